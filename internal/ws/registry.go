package ws

import (
	"sync"

	"chatserver/internal/metrics"
)

// Registry 是连接与用户身份之间唯一的并发安全映射。
type Registry interface {
	// Register 把连接绑定到 userID，覆盖该连接之前的绑定。
	// 若之前绑定的是另一个用户，返回该用户以及它是否已没有其他连接。
	Register(c *Client, userID uint) (replaced uint, replacedLast bool)
	// Unregister 解除连接的绑定；ok 为 false 表示该连接从未认证。
	Unregister(c *Client) (userID uint, lastForUser bool, ok bool)
	// FindByUser 返回用户最近一次认证的连接，没有则返回 nil。
	FindByUser(userID uint) *Client
}

type MemoryRegistry struct {
	mu     sync.RWMutex
	conns  map[*Client]uint
	byUser map[uint][]*Client
}

func NewRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:  make(map[*Client]uint),
		byUser: make(map[uint][]*Client),
	}
}

func (r *MemoryRegistry) Register(c *Client, userID uint) (uint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced uint
	var replacedLast bool
	if prev, ok := r.conns[c]; ok {
		if prev == userID {
			r.detach(c, userID)
		} else {
			replaced = prev
			replacedLast = r.detach(c, prev)
		}
	}
	r.conns[c] = userID
	r.byUser[userID] = append(r.byUser[userID], c)
	metrics.WsSessions.Set(float64(len(r.conns)))
	return replaced, replacedLast
}

func (r *MemoryRegistry) Unregister(c *Client) (uint, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[c]
	if !ok {
		return 0, false, false
	}
	delete(r.conns, c)
	last := r.detach(c, userID)
	metrics.WsSessions.Set(float64(len(r.conns)))
	return userID, last, true
}

func (r *MemoryRegistry) FindByUser(userID uint) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byUser[userID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Users 返回当前在线（至少一个已认证连接）的用户数。
func (r *MemoryRegistry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// detach 调用方需持有写锁；返回该用户是否已没有连接。
func (r *MemoryRegistry) detach(c *Client, userID uint) bool {
	list := r.byUser[userID]
	for i, cur := range list {
		if cur == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byUser, userID)
		return true
	}
	r.byUser[userID] = list
	return false
}
