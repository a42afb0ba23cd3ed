package protocol

import (
	"encoding/json"
)

// DefaultMaxFrameSize bounds a single serialized envelope, attachments
// included.
const DefaultMaxFrameSize = 10 << 20

// Codec serializes envelopes to self-delimited JSON frames and back,
// enforcing the frame size cap in both directions.
type Codec struct {
	// MaxFrameSize caps the serialized envelope size in bytes. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int
}

func (c *Codec) limit() int {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// Encode serializes one envelope. Oversized envelopes fail with
// payload_too_large and nothing is written.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, Errorf(ErrInvalidPayload, "marshaling envelope: %s", err)
	}
	if len(raw) > c.limit() {
		return nil, Errorf(ErrPayloadTooLarge, "envelope is %d bytes, limit %d", len(raw), c.limit())
	}
	return raw, nil
}

// Decode parses one frame. Frames that exceed the size cap, are not valid
// JSON, or carry an unrecognized kind are rejected; the caller decides
// whether the peer survives the protocol violation.
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) > c.limit() {
		return nil, Errorf(ErrPayloadTooLarge, "frame is %d bytes, limit %d", len(frame), c.limit())
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, Errorf(ErrInvalidPayload, "malformed frame: %s", err)
	}
	if !env.IsValid() {
		return nil, Errorf(ErrInvalidPayload, "unrecognized envelope type %q", env.Type)
	}
	return env, nil
}
