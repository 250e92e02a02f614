package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Event is implemented by every structured (text-frame) event variant. The
// set is closed and known at compile time; EventType() is the wire
// discriminator and Validate() enforces the per-event field schema.
type Event interface {
	EventType() EventType
	Validate() error
}

// Transcription is the payload carried by OutputTranscription: a
// partial-or-final speech-to-text result.
type Transcription struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Config is the Client->Server event that opens a session.
type Config struct {
	ChatID          *uuid.UUID `json:"chat_id,omitempty"`
	InputMode       InputMode  `json:"input_mode"`
	SilenceDuration float64    `json:"silence_duration"`
	NChannels       int        `json:"nchannels"`
	SampleRate      int        `json:"sample_rate"`
	SampleWidth     int        `json:"sample_width"`
	OutputText      bool       `json:"output_text"`
	OutputAudio     bool       `json:"output_audio"`
	OutputVideo     bool       `json:"output_video"`
}

// DefaultConfig returns the baseline session configuration.
func DefaultConfig() Config {
	return Config{
		InputMode:       InputModeText,
		SilenceDuration: -1,
		NChannels:       1,
		SampleRate:      16000,
		SampleWidth:     2,
		OutputText:      true,
		OutputAudio:     true,
		OutputVideo:     true,
	}
}

func (Config) EventType() EventType { return EventTypeConfig }

func (c Config) Validate() error {
	if !c.InputMode.Valid() {
		return fmt.Errorf("config: invalid input_mode %d", c.InputMode)
	}
	if c.SilenceDuration != -1 && c.SilenceDuration < 0 {
		return fmt.Errorf("config: invalid silence_duration %v", c.SilenceDuration)
	}
	if c.NChannels <= 0 {
		return fmt.Errorf("config: nchannels must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive")
	}
	if c.SampleWidth <= 0 {
		return fmt.Errorf("config: sample_width must be positive")
	}
	return nil
}

// InputText is the Client->Server text turn payload.
type InputText struct {
	Data string `json:"data"`
}

func (InputText) EventType() EventType { return EventTypeInputText }

func (e InputText) Validate() error { return nil }

// InputEnd marks the end of an input turn. Emitted by the Client when
// silence_duration is -1, or by the Server itself (after detecting
// silence) when silence_duration is >= 0 — never both for one request.
type InputEnd struct{}

func (InputEnd) EventType() EventType { return EventTypeInputEnd }
func (InputEnd) Validate() error      { return nil }

// Interrupt is the Client's in-band cancellation signal.
type Interrupt struct {
	InterruptType InterruptType `json:"interrupt_type"`
}

func (Interrupt) EventType() EventType { return EventTypeInterrupt }

func (e Interrupt) Validate() error {
	if !e.InterruptType.Valid() {
		return fmt.Errorf("interrupt: invalid interrupt_type %d", e.InterruptType)
	}
	return nil
}

// ServerReady announces the chat/request identifiers for a new request.
type ServerReady struct {
	ChatID    uuid.UUID `json:"chat_id"`
	RequestID uuid.UUID `json:"request_id"`
}

func (ServerReady) EventType() EventType { return EventTypeServerReady }

func (e ServerReady) Validate() error {
	if e.ChatID == uuid.Nil {
		return fmt.Errorf("server_ready: chat_id is required")
	}
	if e.RequestID == uuid.Nil {
		return fmt.Errorf("server_ready: request_id is required")
	}
	return nil
}

// OutputTranscription carries a partial or final view of input audio.
type OutputTranscription struct {
	Transcription Transcription `json:"transcription"`
}

func (OutputTranscription) EventType() EventType { return EventTypeOutputTranscription }
func (OutputTranscription) Validate() error       { return nil }

// OutputStage announces a logical step in the response forest.
type OutputStage struct {
	ID          uuid.UUID  `json:"id"`
	ParentID    *uuid.UUID `json:"parent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

func (OutputStage) EventType() EventType { return EventTypeOutputStage }

func (e OutputStage) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("output_stage: id is required")
	}
	if e.ParentID != nil && *e.ParentID == uuid.Nil {
		return fmt.Errorf("output_stage: parent_id must not be the nil uuid")
	}
	return nil
}

// OutputTextContent announces a TEXT content item within a stage.
type OutputTextContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
}

func (OutputTextContent) EventType() EventType { return EventTypeOutputTextContent }
func (e OutputTextContent) Validate() error {
	if e.Type != ContentTypeText {
		return fmt.Errorf("output_text_content: type must be TEXT, got %d", e.Type)
	}
	return validateContentIDs(e.ID, e.StageID, "output_text_content")
}

// OutputFunctionCallContent announces a FUNCTION_CALL content item.
type OutputFunctionCallContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
}

func (OutputFunctionCallContent) EventType() EventType {
	return EventTypeOutputFunctionCallContent
}
func (e OutputFunctionCallContent) Validate() error {
	if e.Type != ContentTypeFunctionCall {
		return fmt.Errorf("output_function_call_content: type must be FUNCTION_CALL, got %d", e.Type)
	}
	return validateContentIDs(e.ID, e.StageID, "output_function_call_content")
}

// OutputAudioContent announces an AUDIO content item with its format.
type OutputAudioContent struct {
	ID          uuid.UUID   `json:"id"`
	Type        ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
	NChannels   int         `json:"nchannels"`
	SampleRate  int         `json:"sample_rate"`
	SampleWidth int         `json:"sample_width"`
}

func (OutputAudioContent) EventType() EventType { return EventTypeOutputAudioContent }

func (e OutputAudioContent) Validate() error {
	if e.Type != ContentTypeAudio {
		return fmt.Errorf("output_audio_content: type must be AUDIO, got %d", e.Type)
	}
	if err := validateContentIDs(e.ID, e.StageID, "output_audio_content"); err != nil {
		return err
	}
	if e.NChannels <= 0 || e.SampleRate <= 0 || e.SampleWidth <= 0 {
		return fmt.Errorf("output_audio_content: nchannels, sample_rate and sample_width must be positive")
	}
	return nil
}

// OutputVideoContent announces a VIDEO content item with its format.
type OutputVideoContent struct {
	ID      uuid.UUID   `json:"id"`
	Type    ContentType `json:"type"`
	StageID uuid.UUID   `json:"stage_id"`
	FPS     int         `json:"fps"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
}

func (OutputVideoContent) EventType() EventType { return EventTypeOutputVideoContent }

func (e OutputVideoContent) Validate() error {
	if e.Type != ContentTypeVideo {
		return fmt.Errorf("output_video_content: type must be VIDEO, got %d", e.Type)
	}
	if err := validateContentIDs(e.ID, e.StageID, "output_video_content"); err != nil {
		return err
	}
	if e.FPS <= 0 || e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("output_video_content: fps, width and height must be positive")
	}
	return nil
}

// OutputContentAddition carries opaque, implementation-defined metadata for
// an already-announced content item.
type OutputContentAddition struct {
	ContentID uuid.UUID      `json:"content_id"`
	Metadata  map[string]any `json:"metadata"`
}

func (OutputContentAddition) EventType() EventType { return EventTypeOutputContentAddition }

func (e OutputContentAddition) Validate() error {
	if e.ContentID == uuid.Nil {
		return fmt.Errorf("output_content_addition: content_id is required")
	}
	return nil
}

// OutputText is one streamed text fragment of a TEXT content.
type OutputText struct {
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

func (OutputText) EventType() EventType { return EventTypeOutputText }

func (e OutputText) Validate() error {
	if e.ContentID == uuid.Nil {
		return fmt.Errorf("output_text: content_id is required")
	}
	return nil
}

// OutputFunctionCall is the single atomic payload of a FUNCTION_CALL content.
type OutputFunctionCall struct {
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

func (OutputFunctionCall) EventType() EventType { return EventTypeOutputFunctionCall }

func (e OutputFunctionCall) Validate() error {
	if e.ContentID == uuid.Nil {
		return fmt.Errorf("output_function_call: content_id is required")
	}
	return nil
}

// OutputEnd terminates a request's output.
type OutputEnd struct{}

func (OutputEnd) EventType() EventType { return EventTypeOutputEnd }
func (OutputEnd) Validate() error      { return nil }

// SessionEnd terminates the session. Either side may emit it.
type SessionEnd struct{}

func (SessionEnd) EventType() EventType { return EventTypeSessionEnd }
func (SessionEnd) Validate() error      { return nil }

func validateContentIDs(id, stageID uuid.UUID, where string) error {
	if id == uuid.Nil {
		return fmt.Errorf("%s: id is required", where)
	}
	if stageID == uuid.Nil {
		return fmt.Errorf("%s: stage_id is required", where)
	}
	return nil
}

// ContentTypeOf returns the ContentType implied by an Output*Content event,
// used by the state machine to check that the event kind matches the
// content's declared type.
func ContentTypeOf(e Event) (ContentType, bool) {
	switch e.(type) {
	case OutputTextContent:
		return ContentTypeText, true
	case OutputFunctionCallContent:
		return ContentTypeFunctionCall, true
	case OutputAudioContent:
		return ContentTypeAudio, true
	case OutputVideoContent:
		return ContentTypeVideo, true
	default:
		return 0, false
	}
}

// StageIDOf returns the stage_id carried by an Output*Content event.
func StageIDOf(e Event) (uuid.UUID, bool) {
	switch v := e.(type) {
	case OutputTextContent:
		return v.StageID, true
	case OutputFunctionCallContent:
		return v.StageID, true
	case OutputAudioContent:
		return v.StageID, true
	case OutputVideoContent:
		return v.StageID, true
	default:
		return uuid.Nil, false
	}
}

// ContentIDOf returns the id announced by an Output*Content event.
func ContentIDOf(e Event) (uuid.UUID, bool) {
	switch v := e.(type) {
	case OutputTextContent:
		return v.ID, true
	case OutputFunctionCallContent:
		return v.ID, true
	case OutputAudioContent:
		return v.ID, true
	case OutputVideoContent:
		return v.ID, true
	default:
		return uuid.Nil, false
	}
}
