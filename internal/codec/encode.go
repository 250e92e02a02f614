package codec

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/chatproto/internal/protocol"
	"github.com/ent0n29/chatproto/internal/protoerr"
)

// Encode validates and serializes a structured event into a text Frame. The
// wire object is the event's own fields plus an injected integer
// "event_type" discriminator.
func Encode(e protocol.Event) (Frame, error) {
	if err := e.Validate(); err != nil {
		return Frame{}, protoerr.NewValidationError("encode: %v", err)
	}

	fields, err := json.Marshal(e)
	if err != nil {
		return Frame{}, fmt.Errorf("encode: marshal fields: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(fields, &obj); err != nil {
		return Frame{}, fmt.Errorf("encode: re-decode fields: %w", err)
	}
	typeBytes, err := json.Marshal(int(e.EventType()))
	if err != nil {
		return Frame{}, fmt.Errorf("encode: marshal event_type: %w", err)
	}
	obj["event_type"] = typeBytes

	out, err := json.Marshal(obj)
	if err != nil {
		return Frame{}, fmt.Errorf("encode: marshal envelope: %w", err)
	}
	return Frame{Kind: FrameText, Text: out}, nil
}
