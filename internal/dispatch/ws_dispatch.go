package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var ErrConnClosed = errors.New("dispatch: connection closed")

// WSConn is a websocket connection. Writes are serialized by mu because
// gorilla/websocket allows only one concurrent writer.
type WSConn struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.NewString(), conn: conn, done: make(chan struct{})}
}

func (w *WSConn) ID() string { return w.id }

func (w *WSConn) Send(ctx context.Context, env models.Envelope) error {
	select {
	case <-w.done:
		return ErrConnClosed
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(writeDeadline(ctx))
	return w.conn.WriteJSON(env)
}

func (w *WSConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// ReadLoop delivers each inbound text frame to handle until the peer goes
// away, the read deadline lapses or the connection is closed.
func (w *WSConn) ReadLoop(handle func(raw []byte)) error {
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return err
			}
			return nil
		}
		handle(msg)
	}
}

// KeepAlive pings the peer until the connection closes or ctx ends.
func (w *WSConn) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeDeadline(ctx context.Context) time.Time {
	d := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// MemoryConn records every envelope sent to it. It backs tests and
// in-process consumers.
type MemoryConn struct {
	id string

	mu      sync.Mutex
	sent    []models.Envelope
	closed  bool
	SendErr error
}

func NewMemoryConn(id string) *MemoryConn {
	if id == "" {
		id = uuid.NewString()
	}
	return &MemoryConn{id: id}
}

func (m *MemoryConn) ID() string { return m.id }

func (m *MemoryConn) Send(_ context.Context, env models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnClosed
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *MemoryConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the envelopes delivered so far.
func (m *MemoryConn) Sent() []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Envelope(nil), m.sent...)
}

// Events returns the event names delivered so far, in order.
func (m *MemoryConn) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, e := range m.sent {
		out[i] = e.Event
	}
	return out
}

func (m *MemoryConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
