// Package e2e drives paired Client and Server drivers over an in-memory
// transport through the end-to-end scenarios that matter most: a full
// text turn, a full audio turn, sequential requests on one session, a
// mid-response interrupt, and a function-call response.
package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/client"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/server"
	"github.com/ent0n29/chatproto/internal/transport"
)

// harness wires a Client and a Server over a loopback MemoryTransport pair
// and records every event each side observes.
type harness struct {
	t *testing.T

	mu           sync.Mutex
	clientEvents []protocol.Event
	clientMedia  [][]byte
	serverEvents []protocol.Event
	serverMedia  [][]byte

	cl  *client.Client
	srv *server.Server

	readyCh chan protocol.ServerReady
}

func newHarness(t *testing.T, cfg protocol.Config) *harness {
	t.Helper()
	h := &harness{t: t, readyCh: make(chan protocol.ServerReady, 1)}

	clientSide, serverSide := transport.NewMemoryPipe(64)

	srv := server.New(serverSide, func(_ *server.Server, evt protocol.Event) {
		h.mu.Lock()
		h.serverEvents = append(h.serverEvents, evt)
		h.mu.Unlock()
	}, func(_ *server.Server, _ uuid.UUID, data []byte) {
		h.mu.Lock()
		h.serverMedia = append(h.serverMedia, data)
		h.mu.Unlock()
	})
	h.srv = srv

	cl, err := client.New(context.Background(), clientSide, cfg, func(_ *client.Client, evt protocol.Event) {
		h.mu.Lock()
		h.clientEvents = append(h.clientEvents, evt)
		h.mu.Unlock()
		if ready, ok := evt.(protocol.ServerReady); ok {
			h.readyCh <- ready
		}
	}, func(_ *client.Client, _ uuid.UUID, data []byte) {
		h.mu.Lock()
		h.clientMedia = append(h.clientMedia, data)
		h.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	h.cl = cl

	go srv.Run(context.Background())
	go cl.Run(context.Background())

	return h
}

func (h *harness) waitReady(t *testing.T) protocol.ServerReady {
	t.Helper()
	select {
	case r := <-h.readyCh:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ServerReady")
		return protocol.ServerReady{}
	}
}

func (h *harness) events(t *testing.T, count int) []protocol.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.clientEvents)
		h.mu.Unlock()
		if n >= count {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d client events, got %d", count, n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Event, len(h.clientEvents))
	copy(out, h.clientEvents)
	return out
}

func TestScenarioTextRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)

	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendText(ctx, "what's the weather"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("EndInput() error = %v", err)
	}

	waitForServerEvents(t, h, 3)

	stageID, err := h.srv.Stage(ctx, "answering", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}
	if err := h.srv.WriteText(ctx, contentID, "It's sunny "); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if err := h.srv.WriteText(ctx, contentID, "in Berlin."); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}

	events := h.events(t, 6)
	var texts []string
	sawEnd := false
	for _, evt := range events {
		switch v := evt.(type) {
		case protocol.OutputText:
			texts = append(texts, v.Data)
		case protocol.OutputEnd:
			sawEnd = true
		}
	}
	if len(texts) != 2 {
		t.Fatalf("client observed %d OutputText fragments, want 2", len(texts))
	}
	if !sawEnd {
		t.Fatal("client never observed OutputEnd")
	}
}

func TestScenarioAudioTurnWithTranscriptionAndAudioOutput(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeAudio
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendAudioChunk(ctx, []byte("pcm-chunk-1")); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := h.cl.SendAudioChunk(ctx, []byte("pcm-chunk-2")); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("EndInput() error = %v", err)
	}

	waitForServerMedia(t, h, 2)

	if err := h.srv.Transcription(ctx, protocol.Transcription{Text: "hello there", IsFinal: true}); err != nil {
		t.Fatalf("Transcription() error = %v", err)
	}
	stageID, err := h.srv.Stage(ctx, "speaking", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := h.srv.BeginAudioContent(ctx, stageID, 1, 16000, 2)
	if err != nil {
		t.Fatalf("BeginAudioContent() error = %v", err)
	}
	if err := h.srv.WriteMediaChunk(ctx, contentID, []byte("reply-chunk-1")); err != nil {
		t.Fatalf("WriteMediaChunk() error = %v", err)
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}

	waitForClientMedia(t, h, 1)
	events := h.events(t, 4)
	sawTranscription := false
	for _, evt := range events {
		if _, ok := evt.(protocol.OutputTranscription); ok {
			sawTranscription = true
		}
	}
	if !sawTranscription {
		t.Fatal("client never observed OutputTranscription")
	}
}

func TestScenarioInterruptMidResponseSkipsEndRequirement(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendText(ctx, "tell me a long story"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("EndInput() error = %v", err)
	}
	waitForServerEvents(t, h, 3)

	stageID, err := h.srv.Stage(ctx, "narrating", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}
	if err := h.srv.WriteText(ctx, contentID, "Once upon a time"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}

	if err := h.cl.Interrupt(ctx, protocol.InterruptTypeUser); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	waitForServerEvents(t, h, 4)

	secondContentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err == nil {
		_ = secondContentID
		t.Fatal("BeginContent() after interrupt should be illegal: output is already ended or closing")
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() after interrupt should not require the earlier content to be complete: %v", err)
	}
}

func TestScenarioServerSideSilenceDetection(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeAudio
	cfg.SilenceDuration = 20
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendAudioChunk(ctx, []byte("pcm-chunk")); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}

	// No further audio and no Client-sent InputEnd: the Server must detect
	// the silence itself and emit InputEnd.
	events := h.events(t, 2)
	sawInputEnd := false
	for _, evt := range events {
		if _, ok := evt.(protocol.InputEnd); ok {
			sawInputEnd = true
		}
	}
	if !sawInputEnd {
		t.Fatal("client never observed a Server-emitted InputEnd")
	}

	if err := h.cl.EndInput(ctx); err == nil {
		t.Fatal("Client EndInput() should be rejected once silence_duration >= 0 negotiated the Server as sole emitter")
	}

	stageID, err := h.srv.Stage(ctx, "listening", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}
	if err := h.srv.WriteText(ctx, contentID, "got it"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}
}

func TestScenarioInterruptDuringAwaitInputReachesOutputEnd(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendText(ctx, "never mind"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	// Interrupt arrives before InputEnd: no responder ever starts, so the
	// short-circuit straight to OutputEnd must happen without it.
	if err := h.cl.Interrupt(ctx, protocol.InterruptTypeUser); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	waitForServerEvents(t, h, 3)

	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() after an interrupt received during AWAIT_INPUT should succeed: %v", err)
	}

	events := h.events(t, 2)
	sawOutputEnd := false
	for _, evt := range events {
		if _, ok := evt.(protocol.OutputEnd); ok {
			sawOutputEnd = true
		}
	}
	if !sawOutputEnd {
		t.Fatal("client never observed OutputEnd")
	}
}

func TestScenarioFunctionCallResponse(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	h.waitReady(t)

	if err := h.cl.SendText(ctx, "what's 2+2"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("EndInput() error = %v", err)
	}
	waitForServerEvents(t, h, 3)

	stageID, err := h.srv.Stage(ctx, "computing", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if _, err := h.srv.FunctionCall(ctx, stageID, `{"op":"add","a":2,"b":2}`); err != nil {
		t.Fatalf("FunctionCall() error = %v", err)
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}

	events := h.events(t, 5)
	sawCall := false
	for _, evt := range events {
		if _, ok := evt.(protocol.OutputFunctionCall); ok {
			sawCall = true
		}
	}
	if !sawCall {
		t.Fatal("client never observed OutputFunctionCall")
	}
}

func TestScenarioSequentialRequestsOnOneSession(t *testing.T) {
	ctx := context.Background()
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h := newHarness(t, cfg)

	server1 := h.waitServerConfig(t)
	if _, err := h.srv.Ready(ctx, server1); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	ready1 := h.waitReady(t)

	if err := h.cl.SendText(ctx, "first"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("EndInput() error = %v", err)
	}
	waitForServerEvents(t, h, 3)

	stageID, err := h.srv.Stage(ctx, "s1", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}
	if err := h.srv.WriteText(ctx, contentID, "first reply"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}

	server2 := server1
	server2.ChatID = &ready1.ChatID
	if _, err := h.srv.Ready(ctx, server2); err != nil {
		t.Fatalf("second Ready() error = %v", err)
	}
	h.waitReady(t)
	if err := h.cl.SendText(ctx, "second"); err != nil {
		t.Fatalf("second SendText() error = %v", err)
	}
	if err := h.cl.EndInput(ctx); err != nil {
		t.Fatalf("second EndInput() error = %v", err)
	}
}

func (h *harness) waitServerConfig(t *testing.T) protocol.Config {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		for _, evt := range h.serverEvents {
			if cfg, ok := evt.(protocol.Config); ok {
				h.mu.Unlock()
				return cfg
			}
		}
		h.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for server to observe Config")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func waitForServerEvents(t *testing.T, h *harness, count int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.serverEvents)
		h.mu.Unlock()
		if n >= count {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d server events, got %d", count, n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func waitForServerMedia(t *testing.T, h *harness, count int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.serverMedia)
		h.mu.Unlock()
		if n >= count {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d server media chunks, got %d", count, n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func waitForClientMedia(t *testing.T, h *harness, count int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.clientMedia)
		h.mu.Unlock()
		if n >= count {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d client media chunks, got %d", count, n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
