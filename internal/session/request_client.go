// Package session implements the per-request state machine shared by the
// Client and Server drivers, plus a multi-session registry above it. Each
// endpoint owns the authoritative tracker for its own emission legality;
// ClientRequestState and ServerRequestState track the two sides
// independently.
package session

import (
	"sync"

	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/protoerr"
)

// ClientRequestState tracks what the local Client endpoint has legally
// observed or emitted for one request.
type ClientRequestState struct {
	mu sync.Mutex

	config      *protocol.Config
	ready       bool
	textSent    bool
	inputEnded  bool
	interrupted bool
	outputEnded bool
}

// Ready marks the request as configured and acknowledged by ServerReady.
func (s *ClientRequestState) Ready(cfg protocol.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted {
		return protoerr.NewIllegalTransition("request has been interrupted")
	}
	if s.ready {
		return protoerr.NewIllegalTransition("request already ready")
	}
	s.config = &cfg
	s.ready = true
	return nil
}

// CanSendText validates sending an InputText event (TEXT mode, exactly
// once per request).
func (s *ClientRequestState) CanSendText() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertLive(); err != nil {
		return err
	}
	if s.config != nil && s.config.InputMode != protocol.InputModeText {
		return protoerr.NewIllegalTransition("input_mode is not TEXT")
	}
	if s.textSent {
		return protoerr.NewIllegalTransition("text already sent for this request")
	}
	s.textSent = true
	return nil
}

// CanSendMedia validates sending an InputMedia chunk (AUDIO mode, any
// number of times).
func (s *ClientRequestState) CanSendMedia() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertLive(); err != nil {
		return err
	}
	if s.config != nil && s.config.InputMode != protocol.InputModeAudio {
		return protoerr.NewIllegalTransition("input_mode is not AUDIO")
	}
	return nil
}

// EndInput validates and records emission of InputEnd. When the
// negotiated config enables silence detection (silence_duration >= 0),
// the Server is the sole emitter of InputEnd and the Client must not
// send it itself.
func (s *ClientRequestState) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertLive(); err != nil {
		return err
	}
	if s.config != nil && s.config.SilenceDuration >= 0 {
		return protoerr.NewIllegalTransition("silence_duration >= 0: Server detects end of input, Client must not emit InputEnd")
	}
	if s.inputEnded {
		return protoerr.NewIllegalTransition("input already ended")
	}
	s.inputEnded = true
	return nil
}

// Interrupt validates and records a Client-originated Interrupt. Legal
// once the request is ready and until OutputEnd has been observed.
func (s *ClientRequestState) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return protoerr.NewIllegalTransition("request is not ready")
	}
	if s.outputEnded {
		return protoerr.NewIllegalTransition("request output already ended")
	}
	if s.interrupted {
		return protoerr.NewIllegalTransition("request already interrupted")
	}
	s.interrupted = true
	return nil
}

// ObserveOutputEnd records that OutputEnd has been received, after which
// the Client driver discards any further Output* events for this request.
func (s *ClientRequestState) ObserveOutputEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputEnded = true
}

// IsOutputDone reports whether OutputEnd has already been observed for this
// request, used by the Client driver to discard stray late frames.
func (s *ClientRequestState) IsOutputDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputEnded
}

// IsInterrupted reports whether this request has been interrupted.
func (s *ClientRequestState) IsInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Reset clears the tracker for a new request on the same session, as
// driven by the next ServerReady.
func (s *ClientRequestState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = nil
	s.ready = false
	s.textSent = false
	s.inputEnded = false
	s.interrupted = false
	s.outputEnded = false
}

func (s *ClientRequestState) assertLive() error {
	if s.interrupted {
		return protoerr.NewIllegalTransition("request has been interrupted")
	}
	if !s.ready {
		return protoerr.NewIllegalTransition("request is not ready")
	}
	if s.inputEnded {
		return protoerr.NewIllegalTransition("input has already been ended")
	}
	if s.outputEnded {
		return protoerr.NewIllegalTransition("request output already ended")
	}
	return nil
}
