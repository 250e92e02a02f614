package codec

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/protoerr"
)

// Decode parses a text Frame into its typed Event variant. Unknown fields
// are ignored; an unknown event_type, an unparseable envelope, or a missing
// required field yields a *protoerr.ProtocolError of Kind MalformedEvent.
func Decode(f Frame) (protocol.Event, error) {
	if f.Kind != FrameText {
		return nil, protoerr.NewMalformedEvent("decode: frame is not a text frame")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(f.Text, &obj); err != nil {
		return nil, protoerr.NewMalformedEvent("decode: invalid JSON object: %v", err)
	}

	rawType, ok := obj["event_type"]
	if !ok {
		return nil, protoerr.NewMalformedEvent("decode: missing event_type")
	}
	var typeNum int
	if err := json.Unmarshal(rawType, &typeNum); err != nil {
		return nil, protoerr.NewMalformedEvent("decode: event_type is not an integer: %v", err)
	}
	et := protocol.EventType(typeNum)

	if err := requireKeys(obj, requiredFields(et)); err != nil {
		return nil, err
	}

	event, err := unmarshalVariant(et, f.Text)
	if err != nil {
		return nil, protoerr.NewMalformedEvent("decode %s: %v", et, err)
	}
	if err := event.Validate(); err != nil {
		return nil, protoerr.NewMalformedEvent("decode %s: %v", et, err)
	}
	return event, nil
}

func unmarshalVariant(et protocol.EventType, raw []byte) (protocol.Event, error) {
	switch et {
	case protocol.EventTypeConfig:
		var v protocol.Config
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeInputText:
		var v protocol.InputText
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeInputEnd:
		return protocol.InputEnd{}, nil
	case protocol.EventTypeInterrupt:
		var v protocol.Interrupt
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeServerReady:
		var v protocol.ServerReady
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputTranscription:
		var v protocol.OutputTranscription
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputStage:
		var v protocol.OutputStage
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputTextContent:
		var v protocol.OutputTextContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputFunctionCallContent:
		var v protocol.OutputFunctionCallContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputAudioContent:
		var v protocol.OutputAudioContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputVideoContent:
		var v protocol.OutputVideoContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputContentAddition:
		var v protocol.OutputContentAddition
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputText:
		var v protocol.OutputText
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputFunctionCall:
		var v protocol.OutputFunctionCall
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case protocol.EventTypeOutputEnd:
		return protocol.OutputEnd{}, nil
	case protocol.EventTypeSessionEnd:
		return protocol.SessionEnd{}, nil
	default:
		return nil, fmt.Errorf("unknown event_type %d", int(et))
	}
}

// requiredFields returns the required field names for an event type, used
// to detect missing fields before a zero-value default masks them.
func requiredFields(et protocol.EventType) []string {
	switch et {
	case protocol.EventTypeConfig:
		return []string{"input_mode", "silence_duration", "nchannels", "sample_rate", "sample_width", "output_text", "output_audio", "output_video"}
	case protocol.EventTypeInputText:
		return []string{"data"}
	case protocol.EventTypeInterrupt:
		return []string{"interrupt_type"}
	case protocol.EventTypeServerReady:
		return []string{"chat_id", "request_id"}
	case protocol.EventTypeOutputTranscription:
		return []string{"transcription"}
	case protocol.EventTypeOutputStage:
		return []string{"id", "parent_id", "title", "description"}
	case protocol.EventTypeOutputTextContent, protocol.EventTypeOutputFunctionCallContent:
		return []string{"id", "type", "stage_id"}
	case protocol.EventTypeOutputAudioContent:
		return []string{"id", "type", "stage_id", "nchannels", "sample_rate", "sample_width"}
	case protocol.EventTypeOutputVideoContent:
		return []string{"id", "type", "stage_id", "fps", "width", "height"}
	case protocol.EventTypeOutputContentAddition:
		return []string{"content_id"}
	case protocol.EventTypeOutputText, protocol.EventTypeOutputFunctionCall:
		return []string{"content_id", "data"}
	default:
		return nil
	}
}

func requireKeys(obj map[string]json.RawMessage, keys []string) error {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return protoerr.NewMalformedEvent("missing required field %q", k)
		}
	}
	return nil
}
