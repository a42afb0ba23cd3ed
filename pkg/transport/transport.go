package transport

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Handle identifies a peer within its owning transport. Handles are never
// reused within a process; components hold the handle (a non-owning key) and
// resolve it through the registry, tolerating not-found after a reap.
type Handle uint64

// ErrPeerGone is returned by Send on a peer whose stream has been torn down.
var ErrPeerGone = errors.New("peer gone")

// Handler receives transport events. The orchestrator implements this; all
// callbacks may be invoked from transport-owned goroutines concurrently.
type Handler interface {
	// HandlePeer is called once per accepted or dialed peer before any
	// envelope from it is delivered.
	HandlePeer(p *Peer)
	// HandleEnvelope delivers one decoded inbound envelope.
	HandleEnvelope(p *Peer, env *protocol.Envelope)
	// HandlePeerClosed fires exactly once when the peer's stream dies,
	// whatever side initiated it. err is nil on a clean local close.
	HandlePeerClosed(p *Peer, err error)
}

// Transport is one way of carrying envelopes between nodes and agents. Only
// the duplex-stream (websocket) binding ships; the interface leaves room for
// mesh and RPC variants.
type Transport interface {
	Name() string
	// Listen binds addr and accepts inbound peers until Shutdown.
	Listen(addr string) error
	// Dial opens an outbound peer carrying the given connection metadata.
	Dial(ctx context.Context, addr string, metadata map[string]string) (*Peer, error)
	// Shutdown closes the listener and all owned peers, draining outbound
	// queues up to the context deadline.
	Shutdown(ctx context.Context) error
}

var (
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_frames_sent_total",
			Help: "Total number of envelope frames written to peers",
		},
		[]string{"transport"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_frames_received_total",
			Help: "Total number of envelope frames read from peers",
		},
		[]string{"transport"},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_send_failures_total",
			Help: "Total number of failed envelope sends",
		},
		[]string{"transport", "reason"},
	)
)

func init() {
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(sendFailures)
}
