// Package codec multiplexes structured protocol events and raw media
// chunks onto the two frame kinds a transport.Transport preserves: text
// frames carrying a JSON object, and binary frames carrying a 16-byte
// stream-identifier prefix followed by opaque payload bytes.
package codec

// FrameKind distinguishes the two wire frame shapes.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is a decoded transport frame, agnostic of direction.
type Frame struct {
	Kind    FrameKind
	Text    []byte // valid JSON object when Kind == FrameText
	Binary  []byte // 16-byte uuid prefix + payload when Kind == FrameBinary
}

// Mode names how a receiver reacts to a malformed frame. It is read from
// configuration (config.Config.DecodeMode), but the Client and Server
// drivers do not take a Mode: their Run loops always behave as
// ModeStrict and return the first text or binary decode error. No code
// path skips a malformed frame.
type Mode int

const (
	// ModeStrict terminates the session on any decode failure. Default.
	ModeStrict Mode = iota
	// ModeLenient names skipping the offending frame and continuing; no
	// driver implements it.
	ModeLenient
)
