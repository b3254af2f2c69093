package service

import (
	"context"

	"chatserver/internal/models"

	"gorm.io/gorm"
)

// ConversationService 生成收件箱：每个聊天对象一行。
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// ConversationDTO 是对外输出的会话摘要。
type ConversationDTO struct {
	PeerID       uint       `json:"peer_id"`
	PeerUsername string     `json:"peer_username"`
	PeerOnline   bool       `json:"peer_online"`
	LastMessage  MessageDTO `json:"last_message"`
	Unread       int64      `json:"unread"`
}

// scanWindow 限制单次扫描的消息数，足够覆盖收件箱首屏。
const scanWindow = 1000

// List 按最后一条消息时间倒序返回 userID 的会话。
func (s *ConversationService) List(ctx context.Context, userID uint, limit int) ([]ConversationDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := s.db.WithContext(ctx)

	var msgs []models.Message
	err := db.Where("(sender_id = ? AND deleted_by_sender = ?) OR (receiver_id = ? AND deleted_by_receiver = ?)", userID, false, userID, false).
		Order("created_at desc").Order("id desc").Limit(scanWindow).Find(&msgs).Error
	if err != nil {
		return nil, err
	}

	out := make([]ConversationDTO, 0, limit)
	seen := make(map[uint]struct{})
	peerIDs := make([]uint, 0, limit)
	for _, m := range msgs {
		peer := m.SenderID
		if peer == userID {
			peer = m.ReceiverID
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		peerIDs = append(peerIDs, peer)
		out = append(out, ConversationDTO{PeerID: peer, LastMessage: toDTO(m)})
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return out, nil
	}

	unread, err := s.unreadBySender(db, userID, peerIDs)
	if err != nil {
		return nil, err
	}
	peers, err := s.resolvePeers(db, peerIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Unread = unread[out[i].PeerID]
		if u, ok := peers[out[i].PeerID]; ok {
			out[i].PeerUsername = u.Username
			out[i].PeerOnline = u.IsOnline
		}
	}
	return out, nil
}

func (s *ConversationService) unreadBySender(db *gorm.DB, userID uint, peerIDs []uint) (map[uint]int64, error) {
	var rows []struct {
		SenderID uint
		N        int64
	}
	err := db.Model(&models.Message{}).
		Select("sender_id, COUNT(*) AS n").
		Where("receiver_id = ? AND is_read = ? AND deleted_by_receiver = ? AND sender_id IN ?", userID, false, false, peerIDs).
		Group("sender_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int64, len(rows))
	for _, r := range rows {
		out[r.SenderID] = r.N
	}
	return out, nil
}

// resolvePeers 批量获取会话对象的用户名与在线状态。
func (s *ConversationService) resolvePeers(db *gorm.DB, ids []uint) (map[uint]models.User, error) {
	var users []models.User
	if err := db.Select("id", "username", "is_online").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
