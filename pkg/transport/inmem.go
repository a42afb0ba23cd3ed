package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// Fabric connects in-memory transports by address, standing in for a real
// network in tests and single-process topologies.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*InMemory
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{listeners: map[string]*InMemory{}}
}

func (f *Fabric) register(addr string, t *InMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.listeners[addr]; taken {
		return fmt.Errorf("address %s already bound", addr)
	}
	f.listeners[addr] = t
	return nil
}

func (f *Fabric) lookup(addr string) (*InMemory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.listeners[addr]
	return t, ok
}

func (f *Fabric) unregister(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, addr)
}

// InMemory carries envelopes over channels inside one process. It honors the
// same framing and backpressure contract as the websocket binding, so the
// orchestrator and topologies are exercised unchanged.
type InMemory struct {
	handler Handler
	codec   *protocol.Codec
	fabric  *Fabric
	queue   int

	mu    sync.Mutex
	addr  string
	peers map[Handle]*Peer
}

// NewInMemory builds an in-memory transport attached to a fabric.
func NewInMemory(handler Handler, fabric *Fabric, opts Options) *InMemory {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &InMemory{
		handler: handler,
		codec:   &protocol.Codec{MaxFrameSize: opts.MaxFrameSize},
		fabric:  fabric,
		queue:   opts.QueueSize,
		peers:   map[Handle]*Peer{},
	}
}

// Name implements Transport.
func (t *InMemory) Name() string { return "inmem" }

// Listen claims addr on the fabric.
func (t *InMemory) Listen(addr string) error {
	if err := t.fabric.register(addr, t); err != nil {
		return err
	}
	t.mu.Lock()
	t.addr = addr
	t.mu.Unlock()
	return nil
}

// Dial opens a peer pair between this transport and the listener at addr.
func (t *InMemory) Dial(_ context.Context, addr string, metadata map[string]string) (*Peer, error) {
	remote, ok := t.fabric.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("no listener at %s", addr)
	}

	toRemote := newPipeHalf()
	toLocal := newPipeHalf()

	local := t.attach(toRemote, toLocal, metadata)
	remote.attach(toLocal, toRemote, nil)
	return local, nil
}

// attach builds the local peer writing into out and reading from in.
func (t *InMemory) attach(out, in *pipeHalf, metadata map[string]string) *Peer {
	p := newPeer(t.Name(), out, t.codec, t.queue)
	if metadata != nil {
		p.BindAgent("", metadata)
	}
	t.mu.Lock()
	t.peers[p.Handle()] = p
	t.mu.Unlock()

	t.handler.HandlePeer(p)
	go t.readPump(p, in, out)
	return p
}

func (t *InMemory) readPump(p *Peer, in, out *pipeHalf) {
	var closeErr error
	for {
		frame, ok := in.read(p.Done())
		if !ok {
			break
		}
		env, err := t.codec.Decode(frame)
		if err != nil {
			closeErr = err
			break
		}
		framesReceived.WithLabelValues(t.Name()).Inc()
		p.Touch()
		t.handler.HandleEnvelope(p, env)
	}
	p.Close()
	// Shut both halves: the write half so the remote reader sees EOF, the
	// read half so a remote writer blocked on a full pipe fails fast.
	out.shut()
	in.shut()
	t.mu.Lock()
	delete(t.peers, p.Handle())
	t.mu.Unlock()
	t.handler.HandlePeerClosed(p, closeErr)
}

// Shutdown closes the listener registration and all peers.
func (t *InMemory) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.addr != "" {
		t.fabric.unregister(t.addr)
		t.addr = ""
	}
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	done := make(chan struct{})
	go func() {
		for _, p := range peers {
			p.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pipeHalf is one direction of an in-memory stream.
type pipeHalf struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeHalf() *pipeHalf {
	return &pipeHalf{
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (h *pipeHalf) writeFrame(frame []byte, deadline time.Time) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-h.closed:
		return ErrPeerGone
	case h.frames <- cp:
		return nil
	case <-timeout:
		return fmt.Errorf("write deadline exceeded")
	}
}

func (h *pipeHalf) close() error {
	h.shut()
	return nil
}

func (h *pipeHalf) shut() {
	h.once.Do(func() { close(h.closed) })
}

func (h *pipeHalf) remoteAddr() string { return "inmem" }

// read returns the next frame, or ok=false once either side is gone.
func (h *pipeHalf) read(done <-chan struct{}) ([]byte, bool) {
	select {
	case frame := <-h.frames:
		return frame, true
	case <-h.closed:
		// Drain anything already queued before reporting EOF.
		select {
		case frame := <-h.frames:
			return frame, true
		default:
			return nil, false
		}
	case <-done:
		return nil, false
	}
}
