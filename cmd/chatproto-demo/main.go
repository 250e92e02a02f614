// Command chatproto-demo runs the protocol engine's Server driver behind
// an HTTP+websocket listener, answering every request with a minimal
// built-in Responder (an echo for TEXT input, a loopback for AUDIO
// input). Real NLU/LLM/TTS/STT backends are deliberately not wired here;
// this command exists to exercise the wire protocol end-to-end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/chatproto/internal/config"
	"github.com/ent0n29/chatproto/internal/httpapi"
	"github.com/ent0n29/chatproto/internal/observability"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/server"
	"github.com/ent0n29/chatproto/internal/session"
)

// echoResponder answers TEXT requests by echoing the input back as a
// single stage/content/chunk, and AUDIO requests by looping the recorded
// PCM back out as one media chunk on a matching AUDIO content.
type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, srv *server.Server, in httpapi.Input) {
	stageID, err := srv.Stage(ctx, "echo", "built-in demo responder", nil)
	if err != nil {
		return
	}

	if ctx.Err() != nil {
		return
	}

	switch in.Config.InputMode {
	case protocol.InputModeAudio:
		contentID, err := srv.BeginAudioContent(ctx, stageID, in.Config.NChannels, in.Config.SampleRate, in.Config.SampleWidth)
		if err != nil || ctx.Err() != nil {
			return
		}
		if len(in.Audio) > 0 {
			_ = srv.WriteMediaChunk(ctx, contentID, in.Audio)
		}

	default:
		contentID, err := srv.BeginTextContent(ctx, stageID)
		if err != nil || ctx.Err() != nil {
			return
		}
		reply := fmt.Sprintf("echo: %s", in.Text)
		_ = srv.WriteText(ctx, contentID, reply)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, metrics, echoResponder{})
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("chatproto-demo listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
