// Package server implements the Server endpoint driver: it owns legality
// of the response it emits (stages, contents, transcription, output
// chunks) and decodes inbound Client->Server frames through a reader-pump
// goroutine plus explicit Handler / MediaHandler callbacks.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/codec"
	"github.com/ent0n29/chatproto/internal/observability"
	"github.com/ent0n29/chatproto/internal/protoerr"
	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/session"
	"github.com/ent0n29/chatproto/internal/transport"
)

// Handler is invoked for every structured Client->Server event: Config,
// InputText, InputEnd, Interrupt or SessionEnd.
type Handler func(s *Server, evt protocol.Event)

// MediaHandler is invoked for every binary-framed input audio chunk,
// tagged with the request id it belongs to.
type MediaHandler func(s *Server, requestID uuid.UUID, data []byte)

// Server is the Server end of one chat session, bound to a single
// Transport.
type Server struct {
	transport transport.Transport
	onEvent   Handler
	onMedia   MediaHandler
	metrics   *observability.Metrics

	mu        sync.Mutex
	chatID    uuid.UUID
	requestID uuid.UUID
	state     *session.ServerRequestState

	silenceCtx      context.Context
	silenceDuration time.Duration
	silenceArmed    bool
	silenceTimer    *time.Timer
}

// New constructs a Server over transport. Unlike the Client it does not
// send anything at construction time: the first outbound event is
// ServerReady, sent once Ready is called in response to an inbound
// Config.
func New(t transport.Transport, onEvent Handler, onMedia MediaHandler) *Server {
	return &Server{
		transport: t,
		onEvent:   onEvent,
		onMedia:   onMedia,
		state:     session.NewServerRequestState(),
	}
}

// SetMetrics attaches frame-counting instrumentation. Optional; safe to
// skip, and safe to call before Run starts reading.
func (s *Server) SetMetrics(m *observability.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Run reads frames until the transport closes or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	for {
		frame, err := s.transport.Recv(ctx)
		if err != nil {
			if err == transport.ErrClosed {
				return nil
			}
			return protoerr.NewTransportError("recv", err)
		}

		switch frame.Kind {
		case codec.FrameBinary:
			if err := s.handleMedia(frame); err != nil {
				return err
			}
		case codec.FrameText:
			evt, err := codec.Decode(frame)
			if err != nil {
				return err
			}
			s.recordFrame("inbound", evt.EventType().String())
			if done := s.handleEvent(evt); done {
				return nil
			}
		}
	}
}

func (s *Server) handleMedia(frame codec.Frame) error {
	reqID, payload, err := codec.DecodeMedia(frame)
	if err != nil {
		return err
	}
	s.recordFrame("inbound", "MEDIA")
	s.touchSilenceTimer()
	if s.onMedia != nil {
		s.onMedia(s, reqID, payload)
	}
	return nil
}

func (s *Server) handleEvent(evt protocol.Event) bool {
	switch evt.(type) {
	case protocol.InputEnd:
		_ = s.state.EndInput()
		s.disarmSilenceTimer()

	case protocol.Interrupt:
		_ = s.state.Interrupt()
		s.disarmSilenceTimer()

	case protocol.SessionEnd:
		s.disarmSilenceTimer()
		if s.onEvent != nil {
			s.onEvent(s, evt)
		}
		return true
	}

	if s.onEvent != nil {
		s.onEvent(s, evt)
	}
	return false
}

func (s *Server) recordFrame(direction, eventType string) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m == nil {
		return
	}
	m.FrameMessages.WithLabelValues(direction, "server", eventType).Inc()
}

// Ready accepts cfg, assigns chat/request identifiers (generating them
// when cfg carries none) and emits ServerReady.
func (s *Server) Ready(ctx context.Context, cfg protocol.Config) (uuid.UUID, error) {
	if err := s.state.Ready(cfg); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	chatID := cfg.ChatID
	if chatID == nil {
		id := uuid.New()
		chatID = &id
	}
	requestID := uuid.New()
	s.chatID = *chatID
	s.requestID = requestID
	s.mu.Unlock()

	if err := s.sendEvent(ctx, protocol.ServerReady{ChatID: *chatID, RequestID: requestID}); err != nil {
		return uuid.Nil, err
	}

	if cfg.SilenceDuration >= 0 {
		s.armSilenceTimer(ctx, time.Duration(cfg.SilenceDuration)*time.Millisecond)
	} else {
		s.disarmSilenceTimer()
	}

	return requestID, nil
}

// armSilenceTimer starts the silence-detection countdown for the request
// just made ready: if no audio chunk resets it (touchSilenceTimer) and
// nothing ends input first, it fires InputEnd itself once d has elapsed.
// Per the silence_duration tie-break, the Server is the sole emitter of
// InputEnd whenever silence_duration >= 0 — the Client must not send one.
func (s *Server) armSilenceTimer(ctx context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceCtx = ctx
	s.silenceDuration = d
	s.silenceArmed = true
	s.resetSilenceTimerLocked()
}

// touchSilenceTimer restarts the countdown, called on every inbound audio
// chunk so a live stream never times out mid-utterance.
func (s *Server) touchSilenceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.silenceArmed {
		return
	}
	s.resetSilenceTimerLocked()
}

func (s *Server) resetSilenceTimerLocked() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.silenceTimer = time.AfterFunc(s.silenceDuration, s.fireSilenceInputEnd)
}

// disarmSilenceTimer stops the countdown; called on a Client-observed
// InputEnd, Interrupt or SessionEnd, from EndOutput and EndSession, and
// from Ready when silence_duration is -1. The timer's own firing clears
// silenceArmed directly, so it never fires twice for one request.
func (s *Server) disarmSilenceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceArmed = false
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

// fireSilenceInputEnd runs on the timer goroutine once silence_duration
// has elapsed with no reset. It emits InputEnd exactly as if the Client
// had sent it, so callers observe it through the same Handler path.
func (s *Server) fireSilenceInputEnd() {
	s.mu.Lock()
	armed := s.silenceArmed
	ctx := s.silenceCtx
	s.silenceArmed = false
	s.mu.Unlock()
	if !armed || ctx == nil {
		return
	}
	if err := s.state.EndInput(); err != nil {
		return
	}
	if err := s.sendEvent(ctx, protocol.InputEnd{}); err != nil {
		return
	}
	if s.onEvent != nil {
		s.onEvent(s, protocol.InputEnd{})
	}
}

// RequestID returns the id of the request currently being served.
func (s *Server) RequestID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// ChatID returns the chat id announced by the most recent ServerReady,
// generated internally when the Client's Config omitted one.
func (s *Server) ChatID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Transcription emits OutputTranscription. AUDIO-mode requests only.
func (s *Server) Transcription(ctx context.Context, t protocol.Transcription) error {
	if err := s.state.Transcription(); err != nil {
		return err
	}
	return s.sendEvent(ctx, protocol.OutputTranscription{Transcription: t})
}

// Stage emits an OutputStage under the response forest. parent is nil
// for a root stage.
func (s *Server) Stage(ctx context.Context, title, description string, parent *uuid.UUID) (uuid.UUID, error) {
	evt := protocol.OutputStage{ID: uuid.New(), ParentID: parent, Title: title, Description: description}
	if err := s.state.BeginStage(evt); err != nil {
		return uuid.Nil, err
	}
	if err := s.sendEvent(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	return evt.ID, nil
}

// BeginTextContent registers and announces a TEXT content under stageID.
func (s *Server) BeginTextContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	evt := protocol.OutputTextContent{ID: uuid.New(), Type: protocol.ContentTypeText, StageID: stageID}
	if err := s.state.BeginContent(evt.ID, evt.StageID, protocol.ContentTypeText); err != nil {
		return uuid.Nil, err
	}
	if err := s.sendEvent(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	return evt.ID, nil
}

// BeginFunctionCallContent registers and announces a FUNCTION_CALL
// content under stageID.
func (s *Server) BeginFunctionCallContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	evt := protocol.OutputFunctionCallContent{ID: uuid.New(), Type: protocol.ContentTypeFunctionCall, StageID: stageID}
	if err := s.state.BeginContent(evt.ID, evt.StageID, protocol.ContentTypeFunctionCall); err != nil {
		return uuid.Nil, err
	}
	if err := s.sendEvent(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	return evt.ID, nil
}

// BeginAudioContent registers and announces an AUDIO content with its
// wire format under stageID.
func (s *Server) BeginAudioContent(ctx context.Context, stageID uuid.UUID, nchannels, sampleRate, sampleWidth int) (uuid.UUID, error) {
	evt := protocol.OutputAudioContent{
		ID: uuid.New(), Type: protocol.ContentTypeAudio, StageID: stageID,
		NChannels: nchannels, SampleRate: sampleRate, SampleWidth: sampleWidth,
	}
	if err := s.state.BeginContent(evt.ID, evt.StageID, protocol.ContentTypeAudio); err != nil {
		return uuid.Nil, err
	}
	if err := s.sendEvent(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	return evt.ID, nil
}

// BeginVideoContent registers and announces a VIDEO content with its
// wire format under stageID.
func (s *Server) BeginVideoContent(ctx context.Context, stageID uuid.UUID, fps, width, height int) (uuid.UUID, error) {
	evt := protocol.OutputVideoContent{
		ID: uuid.New(), Type: protocol.ContentTypeVideo, StageID: stageID,
		FPS: fps, Width: width, Height: height,
	}
	if err := s.state.BeginContent(evt.ID, evt.StageID, protocol.ContentTypeVideo); err != nil {
		return uuid.Nil, err
	}
	if err := s.sendEvent(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	return evt.ID, nil
}

// ContentAddition emits OutputContentAddition against a known content.
func (s *Server) ContentAddition(ctx context.Context, contentID uuid.UUID, metadata map[string]any) error {
	if err := s.state.ContentAddition(contentID); err != nil {
		return err
	}
	return s.sendEvent(ctx, protocol.OutputContentAddition{ContentID: contentID, Metadata: metadata})
}

// WriteText emits one OutputText fragment against a TEXT content.
// Unbounded per content.
func (s *Server) WriteText(ctx context.Context, contentID uuid.UUID, data string) error {
	if err := s.state.WriteText(contentID); err != nil {
		return err
	}
	return s.sendEvent(ctx, protocol.OutputText{ContentID: contentID, Data: data})
}

// WriteFunctionCall emits the single OutputFunctionCall payload for a
// FUNCTION_CALL content.
func (s *Server) WriteFunctionCall(ctx context.Context, contentID uuid.UUID, data string) error {
	if err := s.state.WriteFunctionCall(contentID); err != nil {
		return err
	}
	return s.sendEvent(ctx, protocol.OutputFunctionCall{ContentID: contentID, Data: data})
}

// FunctionCall registers a FUNCTION_CALL content under stageID and
// immediately writes its single data payload, a convenience wrapper for
// the common begin-then-write pair.
func (s *Server) FunctionCall(ctx context.Context, stageID uuid.UUID, data string) (uuid.UUID, error) {
	contentID, err := s.BeginFunctionCallContent(ctx, stageID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.WriteFunctionCall(ctx, contentID, data); err != nil {
		return uuid.Nil, err
	}
	return contentID, nil
}

// WriteMediaChunk emits one binary-framed chunk against a registered
// AUDIO or VIDEO content. Unbounded per content.
func (s *Server) WriteMediaChunk(ctx context.Context, contentID uuid.UUID, payload []byte) error {
	if err := s.state.WriteMedia(contentID); err != nil {
		return err
	}
	frame := codec.EncodeMedia(contentID, payload)
	if err := s.transport.SendBinary(ctx, frame.Binary); err != nil {
		return protoerr.NewTransportError("send_binary", err)
	}
	s.recordFrame("outbound", "MEDIA")
	return nil
}

// EndOutput emits OutputEnd. Ordinarily every registered content must
// already have received data; an interrupted request is exempt.
func (s *Server) EndOutput(ctx context.Context) error {
	if err := s.state.End(); err != nil {
		return err
	}
	s.disarmSilenceTimer()
	if err := s.sendEvent(ctx, protocol.OutputEnd{}); err != nil {
		return err
	}
	s.state.Reset()
	return nil
}

// EndSession emits SessionEnd and closes the underlying transport.
func (s *Server) EndSession(ctx context.Context) error {
	s.disarmSilenceTimer()
	if err := s.sendEvent(ctx, protocol.SessionEnd{}); err != nil {
		return err
	}
	return s.transport.Close()
}

func (s *Server) sendEvent(ctx context.Context, evt protocol.Event) error {
	frame, err := codec.Encode(evt)
	if err != nil {
		return err
	}
	if err := s.transport.SendText(ctx, frame.Text); err != nil {
		return protoerr.NewTransportError("send_text", err)
	}
	s.recordFrame("outbound", evt.EventType().String())
	return nil
}
