package codec

import (
	"github.com/google/uuid"

	"github.com/ent0n29/chatproto/internal/protoerr"
)

// UUIDPrefixLen is the fixed size of the binary-frame stream identifier
// prefix.
const UUIDPrefixLen = 16

// EncodeMedia builds a binary Frame: a raw 16-byte UUID prefix identifying
// the target stream (the content_id for OUTPUT_MEDIA, or the tagged
// input-audio stream id for Client INPUT_MEDIA) followed by the payload.
func EncodeMedia(streamID uuid.UUID, payload []byte) Frame {
	buf := make([]byte, UUIDPrefixLen+len(payload))
	copy(buf[:UUIDPrefixLen], streamID[:])
	copy(buf[UUIDPrefixLen:], payload)
	return Frame{Kind: FrameBinary, Binary: buf}
}

// DecodeMedia splits a binary Frame into its stream id and payload. A frame
// shorter than 16 bytes is malformed; exactly 16 bytes decodes to an empty
// payload.
func DecodeMedia(f Frame) (uuid.UUID, []byte, error) {
	if f.Kind != FrameBinary {
		return uuid.Nil, nil, protoerr.NewMalformedEvent("decode media: frame is not a binary frame")
	}
	if len(f.Binary) < UUIDPrefixLen {
		return uuid.Nil, nil, protoerr.NewMalformedEvent("decode media: binary frame shorter than %d bytes (got %d)", UUIDPrefixLen, len(f.Binary))
	}
	var id uuid.UUID
	copy(id[:], f.Binary[:UUIDPrefixLen])
	payload := f.Binary[UUIDPrefixLen:]
	return id, payload, nil
}
