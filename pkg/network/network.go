package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/topology"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// modDrainWindow bounds how long each mod may keep handling envelopes
// during shutdown.
const modDrainWindow = 5 * time.Second

// TransportFactory builds the node's transport around the orchestrator's
// handler. Tests substitute the in-memory binding here.
type TransportFactory func(h transport.Handler, opts transport.Options) transport.Transport

// Network is the orchestrator: it owns the transport, the topology, the mod
// host, and the background liveness tasks, and dispatches every inbound
// envelope.
type Network struct {
	cfg      *config.Config
	registry *registry.Registry
	topo     topology.Topology
	tr       transport.Transport
	mods     []Mod
	hosts    map[string]*modHost
	ids      protocol.MessageIDSource
	log      *log.Entry

	// SnapshotPath, when set, receives an atomically written state file on
	// clean shutdown.
	SnapshotPath string

	ready    int32
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a node from configuration. mods are attached in declaration
// order; factory may be nil to use the websocket binding.
func New(cfg *config.Config, mods []Mod, factory TransportFactory) (*Network, error) {
	n := &Network{
		cfg:   cfg,
		mods:  mods,
		hosts: map[string]*modHost{},
		log: log.WithFields(log.Fields{
			"component": "network",
			"node":      cfg.Network.NodeID,
		}),
		stop: make(chan struct{}),
	}
	n.registry = registry.New(cfg.Network.NodeID)

	opts := transport.Options{
		MaxFrameSize:   cfg.Network.MaxEnvelopeSize,
		QueueSize:      cfg.Network.OutboundQueue,
		MaxConnections: cfg.Network.MaxConnections,
	}
	if cfg.Network.EncryptionEnabled && cfg.Network.EncryptionType == config.EncryptionTLS {
		cert, err := tls.LoadX509KeyPair(cfg.Network.TLSCertFile, cfg.Network.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls keypair: %w", err)
		}
		opts.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	if factory == nil {
		factory = func(h transport.Handler, o transport.Options) transport.Transport {
			return transport.NewWebSocket(h, o)
		}
	}
	n.tr = factory(n, opts)

	switch cfg.Network.Mode {
	case config.ModeCentralized:
		if cfg.Network.CoordinatorURL != "" {
			n.topo = topology.NewClient(&cfg.Network, n.registry, n.tr)
		} else {
			n.topo = topology.NewCoordinator(&cfg.Network, n.registry)
		}
	case config.ModeDecentralized:
		n.topo = topology.NewDecentralized(&cfg.Network, n.registry, n.tr)
	default:
		return nil, fmt.Errorf("unknown network mode %q", cfg.Network.Mode)
	}
	return n, nil
}

// Topology exposes the node's topology, mainly for directory subscriptions.
func (n *Network) Topology() topology.Topology { return n.topo }

// Registry exposes the peer registry.
func (n *Network) Registry() *registry.Registry { return n.registry }

// Ready reports whether the node is listening.
func (n *Network) Ready() bool { return atomic.LoadInt32(&n.ready) == 1 }

// Start brings the node up: mods first (declaration order), then topology,
// then the listener, then background liveness tasks.
func (n *Network) Start(ctx context.Context) error {
	for _, mod := range n.mods {
		if err := mod.OnStart(n); err != nil {
			return fmt.Errorf("starting mod %q: %w", mod.Name(), err)
		}
		host := newModHost(n, mod)
		n.hosts[mod.Name()] = host
		host.start()
		if dl, ok := mod.(topology.DirectoryListener); ok {
			n.topo.Subscribe(dl)
		}
		n.log.Infof("mod %q started", mod.Name())
	}

	if err := n.topo.Start(ctx); err != nil {
		return fmt.Errorf("starting %s topology: %w", n.topo.Mode(), err)
	}

	if err := n.tr.Listen(n.cfg.Network.ListenAddr()); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.heartbeatLoop()

	atomic.StoreInt32(&n.ready, 1)
	n.log.Infof("network %q up in %s mode on %s",
		n.cfg.Network.Name, n.cfg.Network.Mode, n.cfg.Network.ListenAddr())
	return nil
}

// Shutdown reverses Start: background tasks stop, mods drain, topology and
// transport come down, and the optional snapshot is written.
func (n *Network) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&n.ready, 0)
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()

	for i := len(n.mods) - 1; i >= 0; i-- {
		mod := n.mods[i]
		if host, ok := n.hosts[mod.Name()]; ok {
			host.stop(modDrainWindow)
		}
		if err := mod.OnShutdown(); err != nil {
			n.log.Warnf("mod %q shutdown: %s", mod.Name(), err)
		}
	}

	if err := n.topo.Shutdown(ctx); err != nil {
		n.log.Warnf("topology shutdown: %s", err)
	}
	if err := n.tr.Shutdown(ctx); err != nil {
		n.log.Warnf("transport shutdown: %s", err)
	}

	if n.SnapshotPath != "" {
		if err := n.writeSnapshot(n.SnapshotPath); err != nil {
			n.log.Errorf("snapshot write failed: %s", err)
			return err
		}
	}
	return nil
}

// HandlePeer implements transport.Handler.
func (n *Network) HandlePeer(p *transport.Peer) {
	connectedPeers.Inc()
	n.log.Debugf("peer %d connected from %s", p.Handle(), p.RemoteAddr())
}

// HandlePeerClosed implements transport.Handler.
func (n *Network) HandlePeerClosed(p *transport.Peer, err error) {
	connectedPeers.Dec()
	if err != nil {
		n.log.Debugf("peer %d closed: %s", p.Handle(), err)
	}
	n.topo.UnregisterAgent(p)
	registeredAgents.Set(float64(n.registry.Len()))
}

// HandleEnvelope implements transport.Handler: the single dispatch point
// for every frame arriving at a local peer. Reentrant and safe for
// concurrent callers.
func (n *Network) HandleEnvelope(p *transport.Peer, env *protocol.Envelope) {
	if env.MessageID == 0 {
		env.MessageID = n.ids.Next()
	}
	envelopesDispatched.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.KindSystemRequest:
		n.handleSystemRequest(p, env)
	case protocol.KindSystemResponse:
		if sys, ok := n.topo.(topology.SystemHandler); ok && sys.HandleSystemResponse(p, env) {
			return
		}
		n.log.Debugf("unmatched system response %q from peer %d", env.Command, p.Handle())
	case protocol.KindHeartbeat:
		n.handleHeartbeat(p, env)
	case protocol.KindHeartbeatResponse:
		p.TouchHeartbeat()
		n.registry.Touch(p.Handle())
	case protocol.KindModMessage:
		n.handleModMessage(p, env)
	case protocol.KindDirect, protocol.KindBroadcast:
		result, err := n.topo.Route(p, env)
		if err != nil {
			routingFailures.WithLabelValues(string(protocol.KindOf(err))).Inc()
			n.sendError(p, env, err)
		} else if result == topology.NotFound {
			routingFailures.WithLabelValues("not_found").Inc()
			n.sendError(p, env, protocol.Errorf(protocol.ErrTargetUnreachable,
				"no route to %q", env.TargetID))
		}
	}
}

func (n *Network) handleHeartbeat(p *transport.Peer, env *protocol.Envelope) {
	p.TouchHeartbeat()
	n.registry.Touch(p.Handle())
	reply, err := protocol.Envelope{
		Type:      protocol.KindHeartbeatResponse,
		SenderID:  n.cfg.Network.NodeID,
		TargetID:  env.SenderID,
		Timestamp: time.Now(),
	}.WithPayload(protocol.HeartbeatPayload{AgentID: env.SenderID, NodeID: n.cfg.Network.NodeID})
	if err != nil {
		return
	}
	if serr := p.Send(reply); serr != nil {
		n.log.Debugf("heartbeat reply to peer %d failed: %s", p.Handle(), serr)
	}
}

func (n *Network) handleModMessage(p *transport.Peer, env *protocol.Envelope) {
	host, ok := n.hosts[env.Mod]
	if !ok {
		n.sendError(p, env, protocol.Errorf(protocol.ErrUnknownMod, "no mod named %q", env.Mod))
		return
	}
	if err := host.deliver(p, env); err != nil {
		n.sendError(p, env, err)
	}
}

// Runtime implementation.

// NodeID implements Runtime.
func (n *Network) NodeID() string { return n.cfg.Network.NodeID }

// NetworkName implements Runtime.
func (n *Network) NetworkName() string { return n.cfg.Network.Name }

// NextMessageID implements Runtime.
func (n *Network) NextMessageID() uint64 { return n.ids.Next() }

// AgentFor implements Runtime.
func (n *Network) AgentFor(handle transport.Handle) (string, bool) {
	return n.registry.AgentFor(handle)
}

// HasAgent implements Runtime.
func (n *Network) HasAgent(agentID string) bool {
	if _, ok := n.registry.Lookup(agentID); ok {
		return true
	}
	agents, err := n.topo.DiscoverAgents(nil)
	if err != nil {
		return false
	}
	for _, a := range agents {
		if a.AgentID == agentID {
			return true
		}
	}
	return false
}

// SendToAgent implements Runtime.
func (n *Network) SendToAgent(agentID string, env *protocol.Envelope) error {
	env.TargetID = agentID
	if env.MessageID == 0 {
		env.MessageID = n.ids.Next()
	}
	result, err := n.topo.Route(nil, env)
	if err != nil {
		return err
	}
	if result == topology.NotFound {
		return protocol.Errorf(protocol.ErrTargetUnreachable, "no route to %q", agentID)
	}
	return nil
}

// Broadcast implements Runtime.
func (n *Network) Broadcast(env *protocol.Envelope) error {
	env.TargetID = ""
	if env.MessageID == 0 {
		env.MessageID = n.ids.Next()
	}
	_, err := n.topo.Route(nil, env)
	return err
}

// DiscoverAgents implements Runtime.
func (n *Network) DiscoverAgents(filter []string) ([]protocol.AgentInfo, error) {
	return n.topo.DiscoverAgents(filter)
}

// modNames lists enabled mods in declaration order.
func (n *Network) modNames() []string {
	names := make([]string, 0, len(n.mods))
	for _, m := range n.mods {
		names = append(names, m.Name())
	}
	return names
}

// sendError reports a failure for env back to its sender as an error
// envelope. Mod-addressed envelopes are answered in mod framing so agent
// SDKs can correlate them.
func (n *Network) sendError(p *transport.Peer, cause *protocol.Envelope, err error) {
	kind := protocol.KindOf(err)
	if kind == "" {
		kind = protocol.ErrInvalidPayload
	}
	out := protocol.Envelope{
		Type:      protocol.KindSystemResponse,
		SenderID:  n.cfg.Network.NodeID,
		RequestID: cause.RequestID,
		Timestamp: time.Now(),
	}
	if cause.Type == protocol.KindModMessage {
		out.Type = protocol.KindModMessage
		out.Mod = cause.Mod
		out.Direction = protocol.DirectionOutbound
	}
	env, perr := out.WithPayload(protocol.ErrorPayload{ErrorKind: kind, Error: err.Error()})
	if perr != nil {
		return
	}
	if serr := p.Send(env); serr != nil {
		n.log.Debugf("error report to peer %d failed: %s", p.Handle(), serr)
	}
}

func (n *Network) sendModError(p *transport.Peer, mod string, cause *protocol.Envelope, err error) {
	kind := protocol.KindOf(err)
	if kind == "" {
		kind = protocol.ErrInvalidPayload
	}
	env, perr := protocol.Envelope{
		Type:      protocol.KindModMessage,
		Mod:       mod,
		Direction: protocol.DirectionOutbound,
		SenderID:  n.cfg.Network.NodeID,
		RequestID: cause.RequestID,
		Timestamp: time.Now(),
	}.WithPayload(protocol.ErrorPayload{ErrorKind: kind, Error: err.Error()})
	if perr != nil {
		return
	}
	if serr := p.Send(env); serr != nil {
		n.log.Debugf("mod error report to peer %d failed: %s", p.Handle(), serr)
	}
}
