package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/comigor/rfpdesk/internal/logger"
)

// WebSocketConfig holds the keepalive and size limits of a browser connection.
type WebSocketConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8192
	}
	return c
}

// WebSocket adapts a gorilla connection to Conn. A read pump feeds Frames and
// a write pump serialises Send with periodic pings.
type WebSocket struct {
	ID string

	conn      *websocket.Conn
	cfg       WebSocketConfig
	send      chan []byte
	frames    chan []byte
	done      chan struct{}
	open      atomic.Bool
	closeOnce sync.Once
}

// NewWebSocket starts the pumps for conn and returns the connection.
func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	w := &WebSocket{
		ID:     uuid.NewString(),
		conn:   conn,
		cfg:    cfg.withDefaults(),
		send:   make(chan []byte, defaultBuffer),
		frames: make(chan []byte, defaultBuffer),
		done:   make(chan struct{}),
	}
	w.open.Store(true)
	go w.writePump()
	go w.readPump()
	return w
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if !w.open.Load() {
		return ErrClosed
	}
	select {
	case w.send <- frame:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocket) Frames() <-chan []byte { return w.frames }

func (w *WebSocket) Open() bool { return w.open.Load() }

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.open.Store(false)
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) readPump() {
	defer close(w.frames)
	defer w.Close()

	w.conn.SetReadLimit(w.cfg.MaxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.L.Warn("websocket read error", "conn_id", w.ID, "error", err)
			}
			return
		}
		select {
		case w.frames <- message:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) writePump() {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.L.Debug("websocket write failed", "conn_id", w.ID, "error", err)
				w.Close()
				return
			}

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.Close()
				return
			}

		case <-w.done:
			return
		}
	}
}
