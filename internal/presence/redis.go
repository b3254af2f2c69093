package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey   = "chat:online"
	lastSeenPrefix = "chat:last_seen:"
)

// RedisMirror 让站点其他页面无需查询 Postgres 即可读取在线用户。
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(addr, password string, db int) *RedisMirror {
	return &RedisMirror{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID uint, at time.Time) error {
	id := strconv.FormatUint(uint64(userID), 10)
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, id)
	pipe.Set(ctx, lastSeenPrefix+id, at.Unix(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID uint, at time.Time) error {
	id := strconv.FormatUint(uint64(userID), 10)
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, id)
	pipe.Set(ctx, lastSeenPrefix+id, at.Unix(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, onlineSetKey).Err()
}

// IsOnline 读取镜像中的在线状态。
func (m *RedisMirror) IsOnline(ctx context.Context, userID uint) (bool, error) {
	return m.client.SIsMember(ctx, onlineSetKey, strconv.FormatUint(uint64(userID), 10)).Result()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
