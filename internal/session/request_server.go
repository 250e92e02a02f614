package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/protoerr"
)

// ServerRequestState tracks what the local Server endpoint has legally
// emitted for one request: the stage forest, the content registry and
// which contents have received at least one data event, across the four
// discriminated content types (text, audio, video, function call).
type ServerRequestState struct {
	mu sync.Mutex

	config      *protocol.Config
	ready       bool
	inputEnded  bool
	interrupted bool
	outputEnded bool

	stageParent map[uuid.UUID]*uuid.UUID
	contentKind map[uuid.UUID]protocol.ContentType
	contentOf   map[uuid.UUID]uuid.UUID // content id -> stage id
	hasData     map[uuid.UUID]bool
	fnCallSent  map[uuid.UUID]bool
}

// NewServerRequestState returns a tracker ready to receive Ready.
func NewServerRequestState() *ServerRequestState {
	return &ServerRequestState{
		stageParent: make(map[uuid.UUID]*uuid.UUID),
		contentKind: make(map[uuid.UUID]protocol.ContentType),
		contentOf:   make(map[uuid.UUID]uuid.UUID),
		hasData:     make(map[uuid.UUID]bool),
		fnCallSent:  make(map[uuid.UUID]bool),
	}
}

// Ready records the negotiated Config and marks ServerReady as emittable.
func (s *ServerRequestState) Ready(cfg protocol.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return protoerr.NewIllegalTransition("request already ready")
	}
	s.config = &cfg
	s.ready = true
	return nil
}

// Transcription validates emission of an OutputTranscription event: only
// legal for AUDIO-mode requests, before output has ended.
func (s *ServerRequestState) Transcription() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertEmittable(); err != nil {
		return err
	}
	if s.config != nil && s.config.InputMode != protocol.InputModeAudio {
		return protoerr.NewIllegalTransition("transcription requires AUDIO input_mode")
	}
	return nil
}

// BeginStage validates and registers an OutputStage event: input must
// have ended, the id must be unseen and, if it declares a parent, the
// parent must already be registered and the resulting forest must stay
// acyclic.
func (s *ServerRequestState) BeginStage(stage protocol.OutputStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertEmittable(); err != nil {
		return err
	}
	if !s.inputEnded {
		return protoerr.NewIllegalTransition("stage emitted before input end")
	}
	if _, exists := s.stageParent[stage.ID]; exists {
		return protoerr.NewIllegalTransition("stage id reused: %s", stage.ID)
	}
	if stage.ParentID != nil {
		if _, known := s.stageParent[*stage.ParentID]; !known {
			return protoerr.NewUnknownReference("unknown parent stage: %s", *stage.ParentID)
		}
		if s.wouldCycle(stage.ID, *stage.ParentID) {
			return protoerr.NewIllegalTransition("stage %s would create a cycle via parent %s", stage.ID, *stage.ParentID)
		}
	}
	s.stageParent[stage.ID] = stage.ParentID
	return nil
}

// wouldCycle walks parent pointers from start and reports whether id is
// ever revisited, i.e. whether linking id -> start would close a loop.
func (s *ServerRequestState) wouldCycle(id, start uuid.UUID) bool {
	current := start
	for {
		if current == id {
			return true
		}
		parent, ok := s.stageParent[current]
		if !ok || parent == nil {
			return false
		}
		current = *parent
	}
}

// HasContent reports whether a content id has already been registered.
func (s *ServerRequestState) HasContent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contentOf[id]
	return ok
}

// BeginContent validates and registers an OutputTextContent,
// OutputFunctionCallContent, OutputAudioContent or OutputVideoContent
// event, associating the content id with its declared stage and kind.
func (s *ServerRequestState) BeginContent(id, stageID uuid.UUID, kind protocol.ContentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertEmittable(); err != nil {
		return err
	}
	if !s.inputEnded {
		return protoerr.NewIllegalTransition("content emitted before input end")
	}
	if _, exists := s.contentOf[id]; exists {
		return protoerr.NewIllegalTransition("content id reused: %s", id)
	}
	if _, known := s.stageParent[stageID]; !known {
		return protoerr.NewUnknownReference("unknown stage: %s", stageID)
	}
	s.contentOf[id] = stageID
	s.contentKind[id] = kind
	return nil
}

// ContentAddition validates emission of OutputContentAddition against a
// known content id.
func (s *ServerRequestState) ContentAddition(contentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertEmittable(); err != nil {
		return err
	}
	if _, known := s.contentOf[contentID]; !known {
		return protoerr.NewUnknownReference("unknown content: %s", contentID)
	}
	return nil
}

// WriteFunctionCall validates emission of an OutputFunctionCall event:
// the content must be a registered FUNCTION_CALL content and may receive
// exactly one data event.
func (s *ServerRequestState) WriteFunctionCall(contentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertKnownContent(contentID, protocol.ContentTypeFunctionCall); err != nil {
		return err
	}
	if s.fnCallSent[contentID] {
		return protoerr.NewIllegalTransition("function call content %s already written", contentID)
	}
	s.fnCallSent[contentID] = true
	s.hasData[contentID] = true
	return nil
}

// WriteText validates emission of an OutputText event against a
// registered TEXT content. Unbounded per content.
func (s *ServerRequestState) WriteText(contentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertKnownContent(contentID, protocol.ContentTypeText); err != nil {
		return err
	}
	s.hasData[contentID] = true
	return nil
}

// WriteMedia validates emission of a binary-framed media chunk against a
// registered AUDIO or VIDEO content. Unbounded per content.
func (s *ServerRequestState) WriteMedia(contentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, known := s.contentKind[contentID]
	if !known {
		return protoerr.NewUnknownReference("unknown content: %s", contentID)
	}
	if kind != protocol.ContentTypeAudio && kind != protocol.ContentTypeVideo {
		return protoerr.NewValidationError("content %s is not AUDIO or VIDEO", contentID)
	}
	if err := s.assertEmittable(); err != nil {
		return err
	}
	s.hasData[contentID] = true
	return nil
}

func (s *ServerRequestState) assertKnownContent(contentID uuid.UUID, want protocol.ContentType) error {
	if err := s.assertEmittable(); err != nil {
		return err
	}
	if _, known := s.contentOf[contentID]; !known {
		return protoerr.NewUnknownReference("unknown content: %s", contentID)
	}
	if s.contentKind[contentID] != want {
		return protoerr.NewValidationError("content %s is not %s", contentID, want)
	}
	return nil
}

// EndInput validates and records emission of InputEnd being observed.
func (s *ServerRequestState) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputEnded {
		return protoerr.NewIllegalTransition("input already ended")
	}
	s.inputEnded = true
	return nil
}

// Interrupt records that the Server has observed a Client Interrupt.
// Interrupting bypasses the "every content has data" requirement normally
// enforced by End, short-circuiting straight to OutputEnd.
func (s *ServerRequestState) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputEnded {
		return protoerr.NewIllegalTransition("request output already ended")
	}
	s.interrupted = true
	return nil
}

// End validates emission of OutputEnd. Ordinarily input must already
// have ended and every registered content must have received at least
// one data event; an interrupted request is exempt from both
// requirements, since Interrupt short-circuits straight to OutputEnd
// regardless of which phase it arrived in.
func (s *ServerRequestState) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertOutputOpen(); err != nil {
		return err
	}
	if !s.interrupted {
		if !s.inputEnded {
			return protoerr.NewIllegalTransition("output ended before input end")
		}
		for id := range s.contentOf {
			if !s.hasData[id] {
				return protoerr.NewIllegalTransition("content %s has no data", id)
			}
		}
	}
	s.outputEnded = true
	return nil
}

// Reset clears the tracker for a new request on the same session, as
// driven by the next Config/ready cycle.
func (s *ServerRequestState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = nil
	s.ready = false
	s.inputEnded = false
	s.interrupted = false
	s.outputEnded = false
	s.stageParent = make(map[uuid.UUID]*uuid.UUID)
	s.contentKind = make(map[uuid.UUID]protocol.ContentType)
	s.contentOf = make(map[uuid.UUID]uuid.UUID)
	s.hasData = make(map[uuid.UUID]bool)
	s.fnCallSent = make(map[uuid.UUID]bool)
}

// IsInterrupted reports whether this request has been interrupted.
func (s *ServerRequestState) IsInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// IsOutputDone reports whether OutputEnd has already been emitted for
// this request.
func (s *ServerRequestState) IsOutputDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputEnded
}

func (s *ServerRequestState) assertOutputOpen() error {
	if !s.ready {
		return protoerr.NewIllegalTransition("request is not ready")
	}
	if s.outputEnded {
		return protoerr.NewIllegalTransition("request output already ended")
	}
	return nil
}

// assertEmittable is assertOutputOpen plus the interrupted check: once a
// request has been interrupted the only legal emission left is OutputEnd,
// so stages, contents, transcription and data writes all reject after
// Interrupt.
func (s *ServerRequestState) assertEmittable() error {
	if err := s.assertOutputOpen(); err != nil {
		return err
	}
	if s.interrupted {
		return protoerr.NewIllegalTransition("request has been interrupted")
	}
	return nil
}
