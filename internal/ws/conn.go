package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chatserver/internal/config"
	"chatserver/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxFrameSize = 64 << 10
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Client 是一条 websocket 连接。userID 只在读协程内访问。
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	userID  uint

	mu     sync.Mutex
	closed bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newClient(conn *websocket.Conn, cfg config.Config) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.WSFrameRate), cfg.WSFrameBurst),
	}
}

func (c *Client) ID() string { return c.id }

// push 非阻塞投递；缓冲区满的慢连接会被断开。
func (c *Client) push(b []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- b:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()
	log.Warn().Str("conn_id", c.id).Msg("send buffer full, closing slow connection")
	c.kick()
	return false
}

// kick 关闭底层连接，让读协程退出并完成清理。
func (c *Client) kick() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Serve 升级 HTTP 连接，认证在连接建立后通过 auth 帧完成。
func Serve(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := newClient(conn, h.cfg)
		if !h.add(client) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		metrics.WsConnections.Inc()
		log.Debug().Str("conn_id", client.id).Str("remote", c.ClientIP()).Msg("websocket connected")

		go client.writePump(h.cfg.WSIdleTimeout)
		client.readPump(h.baseCtx, h)
	}
}

func (c *Client) readPump(ctx context.Context, h *Hub) {
	defer func() {
		h.dispatcher.Disconnect(c)
		h.remove(c)
		c.closeSend()
		_ = c.conn.Close()
		metrics.WsConnections.Dec()
		log.Debug().Str("conn_id", c.id).Msg("websocket closed")
	}()
	idle := h.cfg.WSIdleTimeout
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		if !c.limiter.Allow() {
			drop(c, reasonRateLimited, nil)
			continue
		}
		h.dispatcher.Handle(ctx, c, data)
	}
}

func (c *Client) writePump(idle time.Duration) {
	ticker := time.NewTicker(idle * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
