package service

import (
	"context"
	"testing"

	"chatserver/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationService_List(t *testing.T) {
	svc, gdb := newTestService(t)
	conv := NewConversationService(gdb)
	a := testutil.CreateUser(t, gdb, "alice", false)
	b := testutil.CreateUser(t, gdb, "bob", false)
	c := testutil.CreateUser(t, gdb, "carol", true)
	ctx := context.Background()

	_, err := svc.Send(ctx, b.ID, a.ID, "hi alice")
	require.NoError(t, err)
	_, err = svc.Send(ctx, b.ID, a.ID, "are you there?")
	require.NoError(t, err)
	_, err = svc.Send(ctx, a.ID, c.ID, "hello carol")
	require.NoError(t, err)
	require.NoError(t, gdb.Model(&c).Update("is_online", true).Error)

	got, err := conv.List(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, c.ID, got[0].PeerID)
	assert.Equal(t, "carol", got[0].PeerUsername)
	assert.True(t, got[0].PeerOnline)
	assert.Equal(t, "hello carol", got[0].LastMessage.Message)
	assert.Equal(t, int64(0), got[0].Unread)

	assert.Equal(t, b.ID, got[1].PeerID)
	assert.Equal(t, "bob", got[1].PeerUsername)
	assert.Equal(t, "are you there?", got[1].LastMessage.Message)
	assert.Equal(t, int64(2), got[1].Unread)

	_, err = svc.MarkRead(ctx, a.ID, b.ID)
	require.NoError(t, err)
	got, err = conv.List(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].PeerID)
}

func TestConversationService_ListEmpty(t *testing.T) {
	gdb := testutil.NewDB(t)
	a := testutil.CreateUser(t, gdb, "alice", false)

	got, err := NewConversationService(gdb).List(context.Background(), a.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
