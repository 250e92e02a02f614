// Package httpapi exposes the protocol engine over HTTP: a liveness probe,
// a Prometheus scrape endpoint and a websocket upgrade that hands each
// connection to a fresh Server driver.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatproto/internal/config"
	"github.com/ent0n29/chatproto/internal/observability"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/server"
	"github.com/ent0n29/chatproto/internal/session"
	"github.com/ent0n29/chatproto/internal/transport"
)

// Responder supplies the behavior external to the protocol core: what the
// Server driver does once a request's input has been fully observed. The
// core ships no implementation — callers (e.g. cmd/chatproto-demo)
// provide one.
type Responder interface {
	// Respond drives srv to produce the response for one request. ctx is
	// canceled the moment the Client sends Interrupt; Respond should stop
	// emitting and return promptly so the goroutine that runs it can call
	// EndOutput.
	Respond(ctx context.Context, srv *server.Server, in Input)
}

// Input is everything the Server driver accumulated for one request
// before InputEnd: the negotiated Config, assembled text (TEXT mode) or
// ordered audio chunks (AUDIO mode).
type Input struct {
	ChatID    uuid.UUID
	RequestID uuid.UUID
	Config    protocol.Config
	Text      string
	Audio     []byte
}

// Server wires the protocol engine's session Manager, metrics and a
// Responder behind an HTTP router.
type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	metrics   *observability.Metrics
	responder Responder
	upgrader  websocket.Upgrader
}

// New constructs a Server. responder may be nil, in which case the
// websocket handler answers the first request's InputEnd with an
// immediate OutputEnd and no output; no ServerReady for a further request
// follows.
func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, responder Responder) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		metrics:   metrics,
		responder: responder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Router returns the chi mux serving /healthz, /metrics and /v1/chat/ws.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", observability.MetricsHandler().ServeHTTP)
	r.Get("/v1/chat/ws", s.handleChatWS)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleChatWS upgrades the connection and runs one Server driver for its
// lifetime: the driver owns a single reader goroutine per connection, and
// outbound Send* calls come from that goroutine, from a responder
// goroutine launched per request, or from the silence timer;
// WebSocketTransport serializes them with its write mutex
// (gorilla/websocket forbids concurrent writers).
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}

	t := transport.NewWebSocketTransport(conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	h := newConnHandler(r.Context(), s.sessions, s.metrics, s.responder)

	srv := server.New(t, h.onEvent, h.onMedia)
	srv.SetMetrics(s.metrics)
	h.srv = srv

	if err := srv.Run(r.Context()); err != nil {
		log.Printf("httpapi: connection ended: %v", err)
		if s.metrics != nil {
			s.metrics.RecordProtocolError(err)
		}
	}
	h.cancelActive()
}
