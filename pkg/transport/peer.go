package transport

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// closeDrainWindow bounds how long a closing peer keeps flushing queued
// outbound frames before the stream is torn down.
const closeDrainWindow = 2 * time.Second

var nextHandle uint64

func allocHandle() Handle {
	return Handle(atomic.AddUint64(&nextHandle, 1))
}

// link is the byte-stream half a binding supplies under a Peer: frame writes
// with a deadline, plus teardown. Reads stay inside the binding's reader
// goroutine, which feeds the handler directly.
type link interface {
	writeFrame(frame []byte, deadline time.Time) error
	close() error
	remoteAddr() string
}

// Peer is one live connection to an agent or another node. A peer owns a
// bounded outbound queue drained by a writer goroutine; the binding owns the
// reader goroutine. All exported methods are safe for concurrent use.
type Peer struct {
	handle        Handle
	transportName string
	link          link
	codec         *protocol.Codec
	log           *log.Entry

	out       chan *protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu            sync.RWMutex
	agentID       string
	metadata      map[string]string
	lastSeen      time.Time
	lastHeartbeat time.Time
}

func newPeer(transportName string, l link, codec *protocol.Codec, queueSize int) *Peer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	h := allocHandle()
	p := &Peer{
		handle:        h,
		transportName: transportName,
		link:          l,
		codec:         codec,
		log: log.WithFields(log.Fields{
			"component": "transport",
			"peer":      h,
			"remote":    l.remoteAddr(),
		}),
		out:      make(chan *protocol.Envelope, queueSize),
		closed:   make(chan struct{}),
		lastSeen: time.Now(),
	}
	p.wg.Add(1)
	go p.writePump()
	return p
}

// Handle returns the transport-assigned peer key.
func (p *Peer) Handle() Handle { return p.handle }

// TransportName names the transport that owns this peer.
func (p *Peer) TransportName() string { return p.transportName }

// RemoteAddr describes the far end, for logs.
func (p *Peer) RemoteAddr() string { return p.link.remoteAddr() }

// AgentID returns the agent bound to this peer, or "" before registration.
func (p *Peer) AgentID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentID
}

// BindAgent records the agent id this peer registered as.
func (p *Peer) BindAgent(agentID string, metadata map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentID = agentID
	p.metadata = metadata
}

// Metadata returns the metadata supplied at registration or dial.
func (p *Peer) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadata
}

// Touch updates the peer's last-seen timestamp.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeen reports when the peer last produced any traffic.
func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

// TouchHeartbeat records a heartbeat reply from the peer.
func (p *Peer) TouchHeartbeat() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.lastSeen = p.lastHeartbeat
	p.mu.Unlock()
}

// LastHeartbeat reports the last heartbeat reply; zero if none yet.
func (p *Peer) LastHeartbeat() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastHeartbeat
}

// Send enqueues one envelope for the writer goroutine. It fails with
// ErrPeerGone once the peer is closed and with a backpressure WireError when
// the outbound queue is saturated; it never blocks.
func (p *Peer) Send(env *protocol.Envelope) error {
	select {
	case <-p.closed:
		sendFailures.WithLabelValues(p.transportName, "peer_gone").Inc()
		return ErrPeerGone
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		sendFailures.WithLabelValues(p.transportName, "peer_gone").Inc()
		return ErrPeerGone
	default:
		sendFailures.WithLabelValues(p.transportName, "backpressure").Inc()
		return protocol.Errorf(protocol.ErrBackpressure,
			"outbound queue full (%d) for peer %d", cap(p.out), p.handle)
	}
}

// Close tears the peer down after draining in-flight outbound frames up to
// the drain window. Safe to call multiple times.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

// Done is closed when the peer has been shut down.
func (p *Peer) Done() <-chan struct{} { return p.closed }

func (p *Peer) writePump() {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.out:
			p.writeEnvelope(env, time.Time{})
		case <-p.closed:
			deadline := time.Now().Add(closeDrainWindow)
			for {
				select {
				case env := <-p.out:
					if time.Now().After(deadline) {
						p.link.close()
						return
					}
					p.writeEnvelope(env, deadline)
				default:
					p.link.close()
					return
				}
			}
		}
	}
}

func (p *Peer) writeEnvelope(env *protocol.Envelope, deadline time.Time) {
	frame, err := p.codec.Encode(env)
	if err != nil {
		p.log.Errorf("dropping unencodable envelope: %s", err)
		return
	}
	if err := p.link.writeFrame(frame, deadline); err != nil {
		p.log.Debugf("write failed: %s", err)
		sendFailures.WithLabelValues(p.transportName, "io").Inc()
		p.Close()
		return
	}
	framesSent.WithLabelValues(p.transportName).Inc()
}
