package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/observability"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/server"
	"github.com/ent0n29/chatproto/internal/session"
)

// connHandler accumulates one connection's current-request input and, on
// InputEnd, launches the Responder in its own goroutine so the read loop
// stays free to observe a following Interrupt.
type connHandler struct {
	ctx       context.Context
	sessions  *session.Manager
	metrics   *observability.Metrics
	responder Responder

	srv *server.Server

	mu        sync.Mutex
	chatID    uuid.UUID
	requestID uuid.UUID
	cfg       protocol.Config
	text      strBuilder
	audio     []byte
	cancel    context.CancelFunc
	readyAt   time.Time
}

type strBuilder struct {
	parts []string
}

func (b *strBuilder) Add(s string) { b.parts = append(b.parts, s) }
func (b *strBuilder) String() string {
	out := ""
	for _, p := range b.parts {
		out += p
	}
	return out
}

func newConnHandler(ctx context.Context, sessions *session.Manager, metrics *observability.Metrics, responder Responder) *connHandler {
	return &connHandler{ctx: ctx, sessions: sessions, metrics: metrics, responder: responder}
}

func (h *connHandler) onEvent(srv *server.Server, evt protocol.Event) {
	switch v := evt.(type) {
	case protocol.Config:
		h.handleConfig(srv, v)

	case protocol.InputText:
		h.mu.Lock()
		h.text.Add(v.Data)
		h.mu.Unlock()

	case protocol.InputEnd:
		h.handleInputEnd(srv)

	case protocol.Interrupt:
		h.handleInterrupt(srv)

	case protocol.SessionEnd:
		h.cancelActive()
		h.mu.Lock()
		chatID := h.chatID
		h.mu.Unlock()
		if chatID != uuid.Nil {
			if _, err := h.sessions.End(chatID); err == nil && h.metrics != nil {
				h.metrics.SessionEvents.WithLabelValues("ended").Inc()
				h.metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
			}
		}
	}
}

func (h *connHandler) onMedia(srv *server.Server, requestID uuid.UUID, data []byte) {
	h.mu.Lock()
	if h.requestID == requestID {
		h.audio = append(h.audio, data...)
	}
	h.mu.Unlock()
}

func (h *connHandler) handleConfig(srv *server.Server, cfg protocol.Config) {
	requestID, err := srv.Ready(h.ctx, cfg)
	if err != nil {
		return
	}

	// srv.Ready assigns and announces the chat id internally (generating
	// one when cfg.ChatID was nil); the manager needs that same value as
	// its key, so read it back off the driver rather than re-deriving it.
	sess := h.sessions.Create(srv.ChatID(), cfg)
	if h.metrics != nil {
		h.metrics.SessionEvents.WithLabelValues("created").Inc()
		h.metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
	}
	_ = h.sessions.BeginRequest(sess.ChatID, requestID)

	h.mu.Lock()
	h.chatID = sess.ChatID
	h.requestID = requestID
	h.cfg = cfg
	h.text = strBuilder{}
	h.audio = nil
	h.readyAt = time.Now()
	h.mu.Unlock()
}

func (h *connHandler) handleInputEnd(srv *server.Server) {
	h.mu.Lock()
	in := Input{
		ChatID:    h.chatID,
		RequestID: h.requestID,
		Config:    h.cfg,
		Text:      h.text.String(),
		Audio:     append([]byte(nil), h.audio...),
	}
	readyAt := h.readyAt
	ctx, cancel := context.WithCancel(h.ctx)
	h.cancel = cancel
	h.mu.Unlock()

	if h.responder == nil {
		_ = srv.EndOutput(ctx)
		cancel()
		return
	}

	go func() {
		defer cancel()
		h.responder.Respond(ctx, srv, in)
		if h.metrics != nil && !readyAt.IsZero() {
			h.metrics.ObserveFirstOutputLatency(time.Since(readyAt))
		}
		_ = srv.EndOutput(h.ctx)
		_ = h.sessions.EndRequest(in.ChatID)
		h.readyNextRequest(srv, in.ChatID, in.Config)
	}()
}

// readyNextRequest re-announces ServerReady on the same chat id, opening
// the next request the moment the current one's output ends: every
// request gets a fresh ServerReady, not just the session's first.
func (h *connHandler) readyNextRequest(srv *server.Server, chatID uuid.UUID, cfg protocol.Config) {
	cfg.ChatID = &chatID
	requestID, err := srv.Ready(h.ctx, cfg)
	if err != nil {
		return
	}
	_ = h.sessions.BeginRequest(chatID, requestID)
	h.mu.Lock()
	h.cancel = nil
	h.requestID = requestID
	h.text = strBuilder{}
	h.audio = nil
	h.readyAt = time.Now()
	h.mu.Unlock()
}

// handleInterrupt reacts to a Client Interrupt. If a responder goroutine
// is already running (Interrupt arrived after InputEnd), canceling it is
// enough — it calls srv.EndOutput itself once Respond returns. If
// Interrupt arrived during AWAIT_INPUT, no such goroutine exists, so
// nothing would otherwise call EndOutput: end the output here and cycle
// straight to the next request.
func (h *connHandler) handleInterrupt(srv *server.Server) {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	chatID := h.chatID
	cfg := h.cfg
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		return
	}

	_ = srv.EndOutput(h.ctx)
	_ = h.sessions.EndRequest(chatID)
	h.readyNextRequest(srv, chatID, cfg)
}

func (h *connHandler) cancelActive() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
