package ws

import (
	"context"
	"sync"

	"chatserver/internal/config"

	"github.com/rs/zerolog/log"
)

// Hub 持有全部存活连接（含未认证连接），负责优雅关停。
type Hub struct {
	cfg        config.Config
	registry   *MemoryRegistry
	dispatcher *Dispatcher
	baseCtx    context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewHub(cfg config.Config, registry *MemoryRegistry, dispatcher *Dispatcher) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		baseCtx:    ctx,
		cancel:     cancel,
		clients:    make(map[*Client]struct{}),
	}
}

// Online 返回至少有一条已认证连接的用户数。
func (h *Hub) Online() int { return h.registry.Users() }

// Connections 返回当前打开的连接数。
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.wg.Done()
	}
}

// Shutdown 拒绝新连接，关闭所有连接并等待离线状态落库。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	log.Info().Int("connections", len(clients)).Msg("closing websocket connections")
	for _, c := range clients {
		c.closeSend()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.kick()
		}
		return ctx.Err()
	}
}
