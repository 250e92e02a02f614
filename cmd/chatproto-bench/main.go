// Command chatproto-bench drives a handful of representative end-to-end
// scenarios against an in-memory transport and reports the wall-clock
// duration of each run (from waiting for the Server to receive Config to
// the scenario's last step), repeated N times. The protocol
// engine is exercised directly, with no network hop and no real
// audio/LLM backend involved.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ent0n29/chatproto/internal/client"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/server"
	"github.com/ent0n29/chatproto/internal/transport"
)

type scenario struct {
	name string
	run  func(ctx context.Context) (time.Duration, error)
}

func main() {
	repeat := flag.Int("repeat", 20, "number of times to replay each scenario")
	flag.Parse()
	if *repeat <= 0 {
		fmt.Fprintln(os.Stderr, "chatproto-bench: -repeat must be > 0")
		os.Exit(2)
	}

	scenarios := []scenario{
		{"text_round_trip", textRoundTrip},
		{"audio_streaming", audioStreaming},
		{"interrupt_mid_response", interruptMidResponse},
		{"function_call", functionCall},
		{"sequential_requests", sequentialRequests},
	}

	ctx := context.Background()
	for _, sc := range scenarios {
		var total time.Duration
		min := time.Duration(1<<63 - 1)
		var max time.Duration
		for i := 0; i < *repeat; i++ {
			d, err := sc.run(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "chatproto-bench: %s run %d failed: %v\n", sc.name, i+1, err)
				os.Exit(1)
			}
			total += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		avg := total / time.Duration(*repeat)
		fmt.Printf("%-24s n=%-4d avg=%-10s min=%-10s max=%-10s\n", sc.name, *repeat, avg, min, max)
	}
}

// harness is a minimal paired Client/Server over a loopback
// MemoryTransport, used by every scenario below.
type harness struct {
	cl  *client.Client
	srv *server.Server

	mu           sync.Mutex
	clientEvents []protocol.Event
	serverEvents []protocol.Event

	readyCh chan protocol.ServerReady
	doneCh  chan struct{}
}

func newHarness(ctx context.Context, cfg protocol.Config) (*harness, error) {
	h := &harness{readyCh: make(chan protocol.ServerReady, 4), doneCh: make(chan struct{}, 1)}

	clientSide, serverSide := transport.NewMemoryPipe(64)
	srv := server.New(serverSide, func(_ *server.Server, evt protocol.Event) {
		h.mu.Lock()
		h.serverEvents = append(h.serverEvents, evt)
		h.mu.Unlock()
	}, nil)
	h.srv = srv

	cl, err := client.New(ctx, clientSide, cfg, func(_ *client.Client, evt protocol.Event) {
		h.mu.Lock()
		h.clientEvents = append(h.clientEvents, evt)
		h.mu.Unlock()
		switch evt.(type) {
		case protocol.ServerReady:
			h.readyCh <- evt.(protocol.ServerReady)
		case protocol.OutputEnd:
			select {
			case h.doneCh <- struct{}{}:
			default:
			}
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	h.cl = cl

	go srv.Run(ctx)
	go cl.Run(ctx)
	return h, nil
}

func (h *harness) waitReady(timeout time.Duration) (protocol.ServerReady, error) {
	select {
	case r := <-h.readyCh:
		return r, nil
	case <-time.After(timeout):
		return protocol.ServerReady{}, fmt.Errorf("timed out waiting for ServerReady")
	}
}

func (h *harness) waitOutputEnd(timeout time.Duration) error {
	select {
	case <-h.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for OutputEnd")
	}
}

func (h *harness) waitServerEventCount(n int, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		h.mu.Lock()
		count := len(h.serverEvents)
		h.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d server events, got %d", n, count)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func textRoundTrip(ctx context.Context) (time.Duration, error) {
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeText
	h, err := newHarness(ctx, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.waitServerEventCount(1, time.Second); err != nil {
		return 0, err
	}
	if _, err := h.srv.Ready(ctx, cfg); err != nil {
		return 0, err
	}
	if _, err := h.waitReady(time.Second); err != nil {
		return 0, err
	}
	if err := h.cl.SendText(ctx, "ping"); err != nil {
		return 0, err
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(3, time.Second); err != nil {
		return 0, err
	}

	stageID, err := h.srv.Stage(ctx, "bench", "", nil)
	if err != nil {
		return 0, err
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		return 0, err
	}
	if err := h.srv.WriteText(ctx, contentID, "pong"); err != nil {
		return 0, err
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitOutputEnd(time.Second); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func audioStreaming(ctx context.Context) (time.Duration, error) {
	cfg := protocol.DefaultConfig()
	cfg.InputMode = protocol.InputModeAudio
	h, err := newHarness(ctx, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.waitServerEventCount(1, time.Second); err != nil {
		return 0, err
	}
	if _, err := h.srv.Ready(ctx, cfg); err != nil {
		return 0, err
	}
	if _, err := h.waitReady(time.Second); err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if err := h.cl.SendAudioChunk(ctx, []byte{byte(i), byte(i), byte(i)}); err != nil {
			return 0, err
		}
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(2, time.Second); err != nil {
		return 0, err
	}

	stageID, err := h.srv.Stage(ctx, "bench", "", nil)
	if err != nil {
		return 0, err
	}
	contentID, err := h.srv.BeginAudioContent(ctx, stageID, cfg.NChannels, cfg.SampleRate, cfg.SampleWidth)
	if err != nil {
		return 0, err
	}
	if err := h.srv.WriteMediaChunk(ctx, contentID, []byte("reply")); err != nil {
		return 0, err
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitOutputEnd(time.Second); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func interruptMidResponse(ctx context.Context) (time.Duration, error) {
	cfg := protocol.DefaultConfig()
	h, err := newHarness(ctx, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.waitServerEventCount(1, time.Second); err != nil {
		return 0, err
	}
	if _, err := h.srv.Ready(ctx, cfg); err != nil {
		return 0, err
	}
	if _, err := h.waitReady(time.Second); err != nil {
		return 0, err
	}
	if err := h.cl.SendText(ctx, "tell me a story"); err != nil {
		return 0, err
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(3, time.Second); err != nil {
		return 0, err
	}

	stageID, err := h.srv.Stage(ctx, "bench", "", nil)
	if err != nil {
		return 0, err
	}
	if _, err := h.srv.BeginTextContent(ctx, stageID); err != nil {
		return 0, err
	}
	if err := h.cl.Interrupt(ctx, protocol.InterruptTypeUser); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(4, time.Second); err != nil {
		return 0, err
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitOutputEnd(time.Second); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func functionCall(ctx context.Context) (time.Duration, error) {
	cfg := protocol.DefaultConfig()
	h, err := newHarness(ctx, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.waitServerEventCount(1, time.Second); err != nil {
		return 0, err
	}
	if _, err := h.srv.Ready(ctx, cfg); err != nil {
		return 0, err
	}
	if _, err := h.waitReady(time.Second); err != nil {
		return 0, err
	}
	if err := h.cl.SendText(ctx, "2+2"); err != nil {
		return 0, err
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(3, time.Second); err != nil {
		return 0, err
	}

	stageID, err := h.srv.Stage(ctx, "bench", "", nil)
	if err != nil {
		return 0, err
	}
	if _, err := h.srv.FunctionCall(ctx, stageID, `{"op":"add","a":2,"b":2}`); err != nil {
		return 0, err
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitOutputEnd(time.Second); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func sequentialRequests(ctx context.Context) (time.Duration, error) {
	cfg := protocol.DefaultConfig()
	h, err := newHarness(ctx, cfg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := h.waitServerEventCount(1, time.Second); err != nil {
		return 0, err
	}
	if _, err := h.srv.Ready(ctx, cfg); err != nil {
		return 0, err
	}
	ready, err := h.waitReady(time.Second)
	if err != nil {
		return 0, err
	}
	if err := h.cl.SendText(ctx, "first"); err != nil {
		return 0, err
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitServerEventCount(3, time.Second); err != nil {
		return 0, err
	}

	stageID, err := h.srv.Stage(ctx, "bench", "", nil)
	if err != nil {
		return 0, err
	}
	contentID, err := h.srv.BeginTextContent(ctx, stageID)
	if err != nil {
		return 0, err
	}
	if err := h.srv.WriteText(ctx, contentID, "first reply"); err != nil {
		return 0, err
	}
	if err := h.srv.EndOutput(ctx); err != nil {
		return 0, err
	}
	if err := h.waitOutputEnd(time.Second); err != nil {
		return 0, err
	}

	cfg2 := cfg
	chatID := ready.ChatID
	cfg2.ChatID = &chatID
	if _, err := h.srv.Ready(ctx, cfg2); err != nil {
		return 0, err
	}
	if _, err := h.waitReady(time.Second); err != nil {
		return 0, err
	}
	if err := h.cl.SendText(ctx, "second"); err != nil {
		return 0, err
	}
	if err := h.cl.EndInput(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
