package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := &Codec{}
	in, err := Envelope{
		Type:      KindModMessage,
		SenderID:  "alpha",
		TargetID:  "beta",
		Mod:       "thread_messaging",
		Direction: DirectionInbound,
		MessageID: 42,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}.WithPayload(map[string]string{"action": "list_channels"})
	if err != nil {
		t.Fatalf("building envelope: %s", err)
	}

	frame, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	out, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if diff := deep.Equal(in, out); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestCodecRejectsOversizedFrames(t *testing.T) {
	codec := &Codec{MaxFrameSize: 128}
	env, err := Envelope{Type: KindDirect, SenderID: "alpha"}.
		WithPayload(map[string]string{"text": strings.Repeat("x", 256)})
	if err != nil {
		t.Fatalf("building envelope: %s", err)
	}
	if _, err := codec.Encode(env); !IsKind(err, ErrPayloadTooLarge) {
		t.Errorf("expected payload_too_large, got %v", err)
	}

	big := []byte(strings.Repeat("y", 256))
	if _, err := codec.Decode(big); !IsKind(err, ErrPayloadTooLarge) {
		t.Errorf("expected payload_too_large on decode, got %v", err)
	}
}

func TestCodecRejectsMalformedFrames(t *testing.T) {
	codec := &Codec{}
	testCases := []struct {
		name  string
		frame string
	}{
		{"garbage", "{not json"},
		{"empty object", "{}"},
		{"unknown kind", `{"type":"carrier_pigeon"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := codec.Decode([]byte(tc.frame)); !IsKind(err, ErrInvalidPayload) {
				t.Errorf("expected invalid_payload, got %v", err)
			}
		})
	}
}

func TestWireErrorKinds(t *testing.T) {
	err := Errorf(ErrDepthExceeded, "level %d", 6)
	if KindOf(err) != ErrDepthExceeded {
		t.Errorf("expected depth_exceeded, got %q", KindOf(err))
	}
	if IsKind(err, ErrChannelMissing) {
		t.Error("kind matcher matched the wrong kind")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should carry no kind")
	}
}

func TestMessageIDSourceIsMonotonic(t *testing.T) {
	src := &MessageIDSource{}
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		next := src.Next()
		if next <= prev {
			t.Fatalf("id %d not greater than %d", next, prev)
		}
		prev = next
	}
}
