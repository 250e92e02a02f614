package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/codec"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/transport"
)

func TestServerReadyAssignsIdentifiers(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)

	reqID, err := srv.Ready(ctx, protocol.DefaultConfig())
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if reqID == uuid.Nil {
		t.Fatal("Ready() returned nil request id")
	}

	frame, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	evt, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	ready, ok := evt.(protocol.ServerReady)
	if !ok {
		t.Fatalf("frame decoded to %T, want protocol.ServerReady", evt)
	}
	if ready.RequestID != reqID {
		t.Fatalf("ServerReady.RequestID = %v, want %v", ready.RequestID, reqID)
	}
}

func TestServerEndOutputRequiresContentData(t *testing.T) {
	a, _ := transport.NewMemoryPipe(8)
	defer a.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	if _, err := srv.Ready(ctx, protocol.DefaultConfig()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if closed := srv.handleEvent(protocol.InputEnd{}); closed {
		t.Fatal("handleEvent(InputEnd) should not close the driver loop")
	}

	stageID, err := srv.Stage(ctx, "root", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	contentID, err := srv.BeginTextContent(ctx, stageID)
	if err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}

	if err := srv.EndOutput(ctx); err == nil {
		t.Fatal("EndOutput() should fail before the content has data")
	}
	if err := srv.WriteText(ctx, contentID, "hi"); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if err := srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}
}

func TestServerInterruptBypassesEndOutputCheck(t *testing.T) {
	a, _ := transport.NewMemoryPipe(8)
	defer a.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	if _, err := srv.Ready(ctx, protocol.DefaultConfig()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	srv.handleEvent(protocol.InputEnd{})

	stageID, err := srv.Stage(ctx, "root", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if _, err := srv.BeginTextContent(ctx, stageID); err != nil {
		t.Fatalf("BeginTextContent() error = %v", err)
	}

	srv.handleEvent(protocol.Interrupt{InterruptType: protocol.InterruptTypeUser})

	if err := srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() after interrupt should not require content data: %v", err)
	}
}

func TestServerFunctionCallShortcut(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	if _, err := srv.Ready(ctx, protocol.DefaultConfig()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, err := b.Recv(ctx); err != nil {
		t.Fatalf("drain ready error = %v", err)
	}
	srv.handleEvent(protocol.InputEnd{})

	stageID, err := srv.Stage(ctx, "root", "", nil)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if _, err := b.Recv(ctx); err != nil {
		t.Fatalf("drain stage error = %v", err)
	}

	contentID, err := srv.FunctionCall(ctx, stageID, `{"tool":"lookup"}`)
	if err != nil {
		t.Fatalf("FunctionCall() error = %v", err)
	}
	if contentID == uuid.Nil {
		t.Fatal("FunctionCall() returned nil content id")
	}

	if err := srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() error = %v", err)
	}
}

func TestServerInterruptDuringAwaitInputReachesOutputEnd(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	if _, err := srv.Ready(ctx, protocol.DefaultConfig()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, err := b.Recv(ctx); err != nil {
		t.Fatalf("drain ready error = %v", err)
	}

	if closed := srv.handleEvent(protocol.Interrupt{InterruptType: protocol.InterruptTypeUser}); closed {
		t.Fatal("handleEvent(Interrupt) should not close the driver loop")
	}
	if !srv.state.IsInterrupted() {
		t.Fatal("state should be interrupted")
	}

	if err := srv.EndOutput(ctx); err != nil {
		t.Fatalf("EndOutput() after an interrupt received before InputEnd should succeed: %v", err)
	}
}

func TestServerSilenceTimerFiresInputEnd(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	cfg := protocol.DefaultConfig()
	cfg.SilenceDuration = 15
	if _, err := srv.Ready(ctx, cfg); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, err := b.Recv(ctx); err != nil {
		t.Fatalf("drain ready error = %v", err)
	}

	frame, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv(InputEnd) error = %v", err)
	}
	evt, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := evt.(protocol.InputEnd); !ok {
		t.Fatalf("event = %T, want protocol.InputEnd", evt)
	}
}

func TestServerSilenceTimerResetsOnMedia(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	srv := New(a, nil, nil)
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeAudio
	cfg.SilenceDuration = 20
	if _, err := srv.Ready(ctx, cfg); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if _, err := b.Recv(ctx); err != nil {
		t.Fatalf("drain ready error = %v", err)
	}

	reqID := srv.RequestID()
	for i := 0; i < 3; i++ {
		time.Sleep(12 * time.Millisecond)
		srv.handleMedia(codec.EncodeMedia(reqID, []byte("chunk")))
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(drainCtx); err == nil {
		t.Fatal("silence timer should not have fired while chunks kept resetting it")
	}
}

func TestServerOnEventReceivesInputEvents(t *testing.T) {
	a, b := transport.NewMemoryPipe(8)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	var got []protocol.Event
	srv := New(a, func(_ *Server, evt protocol.Event) {
		got = append(got, evt)
	}, nil)

	go srv.Run(ctx)

	cfgFrame, _ := codec.Encode(protocol.DefaultConfig())
	_ = b.SendText(ctx, cfgFrame.Text)
	endFrame, _ := codec.Encode(protocol.SessionEnd{})
	_ = b.SendText(ctx, endFrame.Text)

	time.Sleep(20 * time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("handler received %d events, want 2", len(got))
	}
	if _, ok := got[0].(protocol.Config); !ok {
		t.Fatalf("first event = %T, want protocol.Config", got[0])
	}
	if _, ok := got[1].(protocol.SessionEnd); !ok {
		t.Fatalf("second event = %T, want protocol.SessionEnd", got[1])
	}
}
