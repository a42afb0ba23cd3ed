package topology

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// Coordinator is the centralized topology in the coordinator role: this node
// owns the authoritative registry and every agent connects to it directly.
type Coordinator struct {
	nodeID   string
	registry *registry.Registry
	log      *log.Entry

	mu        sync.Mutex
	listeners []DirectoryListener
}

// NewCoordinator builds the coordinator over the node's peer registry.
func NewCoordinator(cfg *config.Network, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		nodeID:   cfg.NodeID,
		registry: reg,
		log: log.WithFields(log.Fields{
			"component": "topology",
			"mode":      config.ModeCentralized,
			"role":      "coordinator",
		}),
	}
}

// Mode implements Topology.
func (c *Coordinator) Mode() string { return config.ModeCentralized }

// RegisterAgent binds locally and fans a directory-updated event out to
// subscribed listeners.
func (c *Coordinator) RegisterAgent(peer *transport.Peer, req protocol.RegisterAgentRequest) error {
	err := c.registry.Bind(peer, req.AgentID, req.Metadata, req.Capabilities, req.ForceReconnect)
	if err != nil {
		return err
	}
	c.log.Infof("agent %q registered on peer %d", req.AgentID, peer.Handle())
	c.notify()
	return nil
}

// UnregisterAgent implements Topology.
func (c *Coordinator) UnregisterAgent(peer *transport.Peer) {
	if agentID, ok := c.registry.Unbind(peer.Handle()); ok {
		c.log.Infof("agent %q unregistered", agentID)
		c.notify()
	}
}

// DiscoverAgents implements Topology; the local registry is authoritative.
func (c *Coordinator) DiscoverAgents(filter []string) ([]protocol.AgentInfo, error) {
	entries := c.registry.List(filter)
	out := make([]protocol.AgentInfo, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].Info())
	}
	return out, nil
}

// Route delivers directly from the authoritative registry. Broadcast fans
// out to every registered agent except the sender; per-target failures are
// joined into the returned error for the originating mod to act on.
func (c *Coordinator) Route(_ *transport.Peer, env *protocol.Envelope) (RouteResult, error) {
	if env.Type == protocol.KindBroadcast || (env.TargetID == "" && env.Type != protocol.KindDirect) {
		return c.broadcast(env)
	}
	return c.deliver(env)
}

func (c *Coordinator) deliver(env *protocol.Envelope) (RouteResult, error) {
	entry, ok := c.registry.Lookup(env.TargetID)
	if !ok {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"agent %q is not registered", env.TargetID)
	}
	if err := entry.Peer.Send(env); err != nil {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"send to agent %q failed: %s", env.TargetID, err)
	}
	return Delivered, nil
}

func (c *Coordinator) broadcast(env *protocol.Envelope) (RouteResult, error) {
	var errs []error
	for _, entry := range c.registry.List(nil) {
		if entry.AgentID == env.SenderID {
			continue
		}
		if err := entry.Peer.Send(env); err != nil {
			c.log.Debugf("broadcast to %q failed: %s", entry.AgentID, err)
			errs = append(errs, protocol.Errorf(protocol.ErrTargetUnreachable,
				"broadcast to %q: %s", entry.AgentID, err))
		}
	}
	return Delivered, errors.Join(errs...)
}

// Subscribe implements Topology.
func (c *Coordinator) Subscribe(l DirectoryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Unsubscribe implements Topology.
func (c *Coordinator) Unsubscribe(l DirectoryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) notify() {
	snapshot := c.registry.Snapshot()
	c.mu.Lock()
	listeners := make([]DirectoryListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.DirectoryUpdated(snapshot)
	}
}

// Start implements Topology; the coordinator has no background work.
func (c *Coordinator) Start(context.Context) error { return nil }

// Shutdown implements Topology.
func (c *Coordinator) Shutdown(context.Context) error { return nil }
