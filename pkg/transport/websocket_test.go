package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

func startWebSocketPair(t *testing.T, opts Options) (*captureHandler, *captureHandler, *Peer) {
	t.Helper()
	serverHandler := newCaptureHandler()
	server := NewWebSocket(serverHandler, opts)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	clientHandler := newCaptureHandler()
	client := NewWebSocket(clientHandler, opts)
	peer, err := client.Dial(context.Background(), server.BoundAddr(), nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Shutdown(ctx)
	})
	return serverHandler, clientHandler, peer
}

func TestWebSocketRoundTrip(t *testing.T) {
	serverHandler, _, peer := startWebSocketPair(t, Options{})

	env, err := protocol.Envelope{
		Type:     protocol.KindDirect,
		SenderID: "alpha",
		TargetID: "beta",
	}.WithPayload(map[string]string{"text": "over the wire"})
	if err != nil {
		t.Fatalf("payload: %s", err)
	}
	if err := peer.Send(env); err != nil {
		t.Fatalf("send: %s", err)
	}

	select {
	case got := <-serverHandler.envs:
		if got.SenderID != "alpha" || string(got.Payload) != string(env.Payload) {
			t.Errorf("envelope mutated in transit: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("envelope never arrived")
	}
}

func TestWebSocketListenBindFailureIsSynchronous(t *testing.T) {
	first := NewWebSocket(newCaptureHandler(), Options{})
	if err := first.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		first.Shutdown(ctx)
	}()

	second := NewWebSocket(newCaptureHandler(), Options{})
	if err := second.Listen(first.BoundAddr()); err == nil {
		t.Fatal("expected a bind error on an occupied port")
	}
}

// The writer refuses envelopes over the frame cap before they hit the wire;
// the stream itself survives.
func TestWebSocketOversizedEnvelopeIsDropped(t *testing.T) {
	serverHandler, _, peer := startWebSocketPair(t, Options{MaxFrameSize: 512})

	big, err := protocol.Envelope{Type: protocol.KindDirect, SenderID: "alpha"}.
		WithPayload(map[string]string{"blob": strings.Repeat("x", 1024)})
	if err != nil {
		t.Fatalf("payload: %s", err)
	}
	if err := peer.Send(big); err != nil {
		t.Fatalf("send: %s", err)
	}

	small := &protocol.Envelope{Type: protocol.KindDirect, SenderID: "alpha"}
	if err := peer.Send(small); err != nil {
		t.Fatalf("send small: %s", err)
	}
	select {
	case got := <-serverHandler.envs:
		if got.SenderID != "alpha" || len(got.Payload) != 0 {
			t.Errorf("expected only the small envelope, got %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("small envelope never arrived")
	}
}
