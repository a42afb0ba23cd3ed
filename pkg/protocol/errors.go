package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable failure class carried on the wire in
// error envelopes and in success:false system responses.
type ErrorKind string

const (
	ErrDuplicateAgent    ErrorKind = "duplicate_agent"
	ErrNotRegistered     ErrorKind = "not_registered"
	ErrUnknownCommand    ErrorKind = "unknown_command"
	ErrUnknownMod        ErrorKind = "unknown_mod"
	ErrTargetUnreachable ErrorKind = "target_unreachable"
	ErrPayloadTooLarge   ErrorKind = "payload_too_large"
	ErrInvalidPayload    ErrorKind = "invalid_payload"
	ErrDepthExceeded     ErrorKind = "depth_exceeded"
	ErrParentMissing     ErrorKind = "parent_missing"
	ErrChannelMissing    ErrorKind = "channel_missing"
	ErrQuotaExhausted    ErrorKind = "quota_exhausted"
	ErrBackpressure      ErrorKind = "backpressure"
)

// WireError is an error with a wire-visible kind. Use Errorf to construct
// and KindOf to recover the kind from a wrapped chain.
type WireError struct {
	Kind    ErrorKind
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a WireError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &WireError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors that
// are not WireErrors report an empty kind.
func KindOf(err error) ErrorKind {
	var we *WireError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// IsKind reports whether err carries the given wire error kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
