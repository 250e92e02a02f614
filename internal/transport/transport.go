// Package transport defines the capability interface the protocol engine
// needs from an underlying duplex channel, decoupling the core state
// machine from any one concrete connection type.
package transport

import (
	"context"
	"errors"

	"github.com/ent0n29/chatproto/internal/codec"
)

// ErrClosed is returned by Recv once Close has made the transport
// permanently exhausted.
var ErrClosed = errors.New("transport: closed")

// Transport is a reliable, ordered, bidirectional frame-duplex. The core
// never assumes frame-boundary preservation across reconnects; any error
// returned by any method is treated as terminal for the session.
type Transport interface {
	// SendText sends a text frame (a UTF-8 JSON object).
	SendText(ctx context.Context, payload []byte) error
	// SendBinary sends a binary frame (opaque bytes).
	SendBinary(ctx context.Context, payload []byte) error
	// Recv yields the next frame in order, or ErrClosed at end-of-stream.
	Recv(ctx context.Context) (codec.Frame, error)
	// Close is idempotent; subsequent Recv calls yield ErrClosed.
	Close() error
}
