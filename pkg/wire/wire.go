// Package wire defines the frame carried on the room-scoped broadcast
// channel: one tag byte followed by an opaque payload. Document frames carry
// binary update blobs, awareness frames carry encoded presence updates.
package wire

import "fmt"

const (
	// FrameUpdate carries an item document update blob.
	FrameUpdate byte = 0x00
	// FrameAwareness carries a presence update.
	FrameAwareness byte = 0x01
)

// Frame is one decoded broadcast message.
type Frame struct {
	Type    byte
	Payload []byte
}

// Encode prefixes the payload with its frame type.
func Encode(frameType byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, frameType)
	return append(out, payload...)
}

// Decode splits a raw message into its frame. Delivery is at-least-once and
// unordered, so callers must tolerate duplicates.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	switch raw[0] {
	case FrameUpdate, FrameAwareness:
		return Frame{Type: raw[0], Payload: raw[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type 0x%02x", raw[0])
	}
}
