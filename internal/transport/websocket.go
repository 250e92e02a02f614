package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatproto/internal/codec"
)

// WebSocketTransport adapts a *websocket.Conn to the Transport contract:
// read/write deadlines renewed on every frame and on pong, with a single
// writer goroutine invariant enforced by an internal mutex (gorilla/websocket
// forbids concurrent writers on one connection).
type WebSocketTransport struct {
	conn *websocket.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewWebSocketTransport wraps conn. readTimeout/writeTimeout of zero disable
// the corresponding deadline.
func NewWebSocketTransport(conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
	conn.SetPongHandler(func(string) error {
		if t.readTimeout > 0 {
			return conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		return nil
	})
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	return t
}

func (t *WebSocketTransport) SendText(ctx context.Context, payload []byte) error {
	return t.write(websocket.TextMessage, payload)
}

func (t *WebSocketTransport) SendBinary(ctx context.Context, payload []byte) error {
	return t.write(websocket.BinaryMessage, payload)
}

func (t *WebSocketTransport) write(messageType int, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(messageType, payload)
}

func (t *WebSocketTransport) Recv(ctx context.Context) (codec.Frame, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return codec.Frame{}, ErrClosed
			}
			return codec.Frame{}, err
		}
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		switch messageType {
		case websocket.TextMessage:
			return codec.Frame{Kind: codec.FrameText, Text: data}, nil
		case websocket.BinaryMessage:
			return codec.Frame{Kind: codec.FrameBinary, Binary: data}, nil
		default:
			// Ping/pong/close control frames are handled by gorilla's
			// internals; anything else is ignored and we keep reading.
			continue
		}
	}
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}
