package transport

import (
	"context"
	"sync"

	"github.com/ent0n29/chatproto/internal/codec"
)

// MemoryTransport is an in-process duplex built from two buffered channels.
// It implements the full Transport contract without touching the network,
// used by the driver tests and by cmd/chatproto-bench.
type MemoryTransport struct {
	out chan codec.Frame
	in  chan codec.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryPipe returns two MemoryTransports wired to each other: frames
// sent on one arrive, in order, on the other.
func NewMemoryPipe(bufSize int) (a, b *MemoryTransport) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ab := make(chan codec.Frame, bufSize)
	ba := make(chan codec.Frame, bufSize)
	a = &MemoryTransport{out: ab, in: ba, closed: make(chan struct{})}
	b = &MemoryTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (t *MemoryTransport) SendText(ctx context.Context, payload []byte) error {
	return t.send(ctx, codec.Frame{Kind: codec.FrameText, Text: payload})
}

func (t *MemoryTransport) SendBinary(ctx context.Context, payload []byte) error {
	return t.send(ctx, codec.Frame{Kind: codec.FrameBinary, Binary: payload})
}

func (t *MemoryTransport) send(ctx context.Context, f codec.Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.out <- f:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Recv(ctx context.Context) (codec.Frame, error) {
	select {
	case <-t.closed:
		return codec.Frame{}, ErrClosed
	default:
	}
	select {
	case f, ok := <-t.in:
		if !ok {
			return codec.Frame{}, ErrClosed
		}
		return f, nil
	case <-t.closed:
		return codec.Frame{}, ErrClosed
	case <-ctx.Done():
		return codec.Frame{}, ctx.Err()
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
