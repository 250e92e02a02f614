// Package client implements the Client endpoint driver: it owns legality
// of everything the local side emits, decodes inbound frames into typed
// events through a reader-pump goroutine, and discards stray output once
// a request has ended.
package client

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/codec"
	"github.com/ent0n29/chatproto/internal/observability"
	"github.com/ent0n29/chatproto/internal/protoerr"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/session"
	"github.com/ent0n29/chatproto/internal/transport"
)

// Handler is invoked for every structured Server->Client event the Client
// accepts, in the order received.
type Handler func(c *Client, evt protocol.Event)

// MediaHandler is invoked for every binary-framed output media chunk
// belonging to contentID.
type MediaHandler func(c *Client, contentID uuid.UUID, data []byte)

// Client is one end of a chat session, bound to a single Transport.
type Client struct {
	transport transport.Transport
	onEvent   Handler
	onMedia   MediaHandler
	metrics   *observability.Metrics

	mu        sync.Mutex
	config    protocol.Config
	chatID    uuid.UUID
	requestID uuid.UUID
	state     *session.ClientRequestState

	closeOnce sync.Once
}

// New constructs a Client over transport and immediately sends the
// initial Config.
func New(ctx context.Context, t transport.Transport, cfg protocol.Config, onEvent Handler, onMedia MediaHandler) (*Client, error) {
	c := &Client{
		transport: t,
		onEvent:   onEvent,
		onMedia:   onMedia,
		config:    cfg,
		state:     &session.ClientRequestState{},
	}
	frame, err := codec.Encode(cfg)
	if err != nil {
		return nil, err
	}
	if err := t.SendText(ctx, frame.Text); err != nil {
		return nil, protoerr.NewTransportError("send_config", err)
	}
	c.recordFrame("outbound", cfg.EventType().String())
	return c, nil
}

// SetMetrics attaches frame-counting instrumentation. Optional; safe to
// skip, and safe to call before Run starts reading.
func (c *Client) SetMetrics(m *observability.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// ChatID returns the chat id assigned by ServerReady, or the nil uuid
// before it arrives.
func (c *Client) ChatID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Run reads frames until the transport closes or ctx is canceled,
// dispatching decoded events to the configured handlers. It returns nil
// on a clean close and a non-nil error otherwise.
func (c *Client) Run(ctx context.Context) error {
	for {
		frame, err := c.transport.Recv(ctx)
		if err != nil {
			if err == transport.ErrClosed {
				return nil
			}
			return protoerr.NewTransportError("recv", err)
		}

		switch frame.Kind {
		case codec.FrameBinary:
			if err := c.handleMedia(frame); err != nil {
				return err
			}
		case codec.FrameText:
			evt, err := codec.Decode(frame)
			if err != nil {
				return err
			}
			c.recordFrame("inbound", evt.EventType().String())
			if done := c.handleEvent(evt); done {
				return nil
			}
		}
	}
}

func (c *Client) handleMedia(frame codec.Frame) error {
	contentID, payload, err := codec.DecodeMedia(frame)
	if err != nil {
		return err
	}
	c.recordFrame("inbound", "MEDIA")
	if c.state.IsOutputDone() {
		return nil
	}
	if c.onMedia != nil {
		c.onMedia(c, contentID, payload)
	}
	return nil
}

func (c *Client) recordFrame(direction, eventType string) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	if m == nil {
		return
	}
	m.FrameMessages.WithLabelValues(direction, "client", eventType).Inc()
}

// handleEvent applies state transitions for the events that affect
// legality, then forwards everything (except frames arriving after
// output has ended) to onEvent. It returns true once SessionEnd closes
// the driver loop.
func (c *Client) handleEvent(evt protocol.Event) bool {
	switch v := evt.(type) {
	case protocol.ServerReady:
		c.mu.Lock()
		c.chatID = v.ChatID
		c.requestID = v.RequestID
		cfg := c.config
		cfg.ChatID = &v.ChatID
		c.config = cfg
		c.mu.Unlock()
		c.state.Reset()
		_ = c.state.Ready(cfg)

	case protocol.OutputEnd:
		c.state.ObserveOutputEnd()
		if c.onEvent != nil {
			c.onEvent(c, evt)
		}
		return false

	case protocol.SessionEnd:
		if c.onEvent != nil {
			c.onEvent(c, evt)
		}
		return true

	default:
		if c.state.IsOutputDone() {
			return false
		}
	}

	if c.onEvent != nil {
		c.onEvent(c, evt)
	}
	return false
}

// SendText emits InputText. Legal once per request, TEXT mode only.
func (c *Client) SendText(ctx context.Context, data string) error {
	if err := c.state.CanSendText(); err != nil {
		return err
	}
	return c.sendEvent(ctx, protocol.InputText{Data: data})
}

// SendAudioChunk emits one binary-framed input audio chunk, tagged with
// the current request id. Legal any number of times, AUDIO mode only.
func (c *Client) SendAudioChunk(ctx context.Context, payload []byte) error {
	if err := c.state.CanSendMedia(); err != nil {
		return err
	}
	c.mu.Lock()
	reqID := c.requestID
	c.mu.Unlock()
	frame := codec.EncodeMedia(reqID, payload)
	if err := c.transport.SendBinary(ctx, frame.Binary); err != nil {
		return protoerr.NewTransportError("send_binary", err)
	}
	c.recordFrame("outbound", "MEDIA")
	return nil
}

// EndInput emits InputEnd, closing the Client's contribution to the
// current request.
func (c *Client) EndInput(ctx context.Context) error {
	if err := c.state.EndInput(); err != nil {
		return err
	}
	return c.sendEvent(ctx, protocol.InputEnd{})
}

// Interrupt emits Interrupt, legal once the request is ready and until
// its OutputEnd has been observed.
func (c *Client) Interrupt(ctx context.Context, kind protocol.InterruptType) error {
	if err := c.state.Interrupt(); err != nil {
		return err
	}
	return c.sendEvent(ctx, protocol.Interrupt{InterruptType: kind})
}

// EndSession emits SessionEnd and closes the underlying transport.
func (c *Client) EndSession(ctx context.Context) error {
	if err := c.sendEvent(ctx, protocol.SessionEnd{}); err != nil {
		return err
	}
	return c.Close()
}

// Close idempotently closes the underlying transport.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
	})
	return err
}

func (c *Client) sendEvent(ctx context.Context, evt protocol.Event) error {
	frame, err := codec.Encode(evt)
	if err != nil {
		return err
	}
	if err := c.transport.SendText(ctx, frame.Text); err != nil {
		return protoerr.NewTransportError("send_text", err)
	}
	c.recordFrame("outbound", evt.EventType().String())
	return nil
}
