package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the client.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxInboundFrameSize = 64 * 1024
)

var ErrTransportClosed = errors.New("client transport closed")

// wsTransport is a ClientTransport over a websocket. A single writer
// goroutine owns the connection's write side.
type wsTransport struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSTransport(conn *websocket.Conn, buffer int) *wsTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsTransport{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues frame for the writer. A full buffer is reported instead of
// blocking the broadcaster.
func (t *wsTransport) Send(_ context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	case t.send <- frame:
		return nil
	default:
		return &CapacityError{Op: "client send", Limit: cap(t.send), Err: errors.New("send buffer full")}
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	return nil
}

func (t *wsTransport) Closed() bool {
	return t.closed.Load()
}

// writePump drains the send buffer and pings the client until the
// transport closes or a write fails.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
		_ = t.conn.Close()
	}()

	for {
		select {
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump hands every inbound frame to onFrame and calls onActivity for
// frames and pongs. It returns when the connection fails.
func (t *wsTransport) readPump(onFrame func([]byte), onActivity func()) error {
	defer func() {
		_ = t.Close()
		_ = t.conn.Close()
	}()

	t.conn.SetReadLimit(maxInboundFrameSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		onActivity()
		return nil
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return err
			}
			return nil
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		onActivity()
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		onFrame(data)
	}
}
