package topology

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// Client is the centralized topology in the client role: the node holds a
// single peer to the coordinator, proxies registration and discovery to it,
// and hands every route off to it. Local agents still bind in the local
// registry so traffic flowing back from the coordinator reaches them.
type Client struct {
	nodeID         string
	coordinatorURL string
	dialTimeout    time.Duration
	retryAttempts  int
	registry       *registry.Registry
	transport      transport.Transport
	log            *log.Entry

	mu          sync.Mutex
	coordinator *transport.Peer
	listeners   []DirectoryListener

	pending sync.Map // request id -> chan *protocol.Envelope
}

// NewClient builds the client role against the configured coordinator.
func NewClient(cfg *config.Network, reg *registry.Registry, tr transport.Transport) *Client {
	return &Client{
		nodeID:         cfg.NodeID,
		coordinatorURL: cfg.CoordinatorURL,
		dialTimeout:    cfg.DialTimeout(),
		retryAttempts:  cfg.RetryAttempts,
		registry:       reg,
		transport:      tr,
		log: log.WithFields(log.Fields{
			"component": "topology",
			"mode":      config.ModeCentralized,
			"role":      "client",
		}),
	}
}

// Mode implements Topology.
func (c *Client) Mode() string { return config.ModeCentralized }

// Start dials the coordinator, retrying up to the configured attempts.
func (c *Client) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		peer, err := c.transport.Dial(dialCtx, c.coordinatorURL,
			map[string]string{"node_id": c.nodeID, "role": "node"})
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warnf("coordinator dial attempt %d failed: %s", attempt+1, err)
			continue
		}
		c.mu.Lock()
		c.coordinator = peer
		c.mu.Unlock()
		c.log.Infof("connected to coordinator at %s", c.coordinatorURL)
		return nil
	}
	return lastErr
}

// Shutdown implements Topology.
func (c *Client) Shutdown(context.Context) error {
	c.mu.Lock()
	peer := c.coordinator
	c.coordinator = nil
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
	return nil
}

func (c *Client) coordinatorPeer() (*transport.Peer, error) {
	c.mu.Lock()
	peer := c.coordinator
	c.mu.Unlock()
	if peer == nil {
		return nil, protocol.Errorf(protocol.ErrTargetUnreachable, "no coordinator connection")
	}
	select {
	case <-peer.Done():
		return nil, protocol.Errorf(protocol.ErrTargetUnreachable, "coordinator connection lost")
	default:
		return peer, nil
	}
}

// IsCoordinator reports whether p is the coordinator link.
func (c *Client) IsCoordinator(p *transport.Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator != nil && p != nil && c.coordinator.Handle() == p.Handle()
}

// RegisterAgent binds locally, then proxies the registration upstream. A
// coordinator rejection rolls the local binding back.
func (c *Client) RegisterAgent(peer *transport.Peer, req protocol.RegisterAgentRequest) error {
	if err := c.registry.Bind(peer, req.AgentID, req.Metadata, req.Capabilities, req.ForceReconnect); err != nil {
		return err
	}

	env, err := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   protocol.CmdRegisterAgent,
		SenderID:  c.nodeID,
		Timestamp: time.Now(),
	}.WithPayload(req)
	if err != nil {
		c.registry.Unbind(peer.Handle())
		return err
	}
	resp, err := c.request(env)
	if err != nil {
		c.registry.Unbind(peer.Handle())
		return err
	}
	var body protocol.RegisterAgentResponse
	if err := resp.DecodePayload(&body); err != nil {
		c.registry.Unbind(peer.Handle())
		return err
	}
	if !body.Success {
		c.registry.Unbind(peer.Handle())
		kind := body.ErrorKind
		if kind == "" {
			kind = protocol.ErrDuplicateAgent
		}
		return protocol.Errorf(kind, "%s", body.Error)
	}
	return nil
}

// UnregisterAgent implements Topology.
func (c *Client) UnregisterAgent(peer *transport.Peer) {
	agentID, ok := c.registry.Unbind(peer.Handle())
	if !ok {
		return
	}
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   protocol.CmdUnregisterAgent,
		SenderID:  agentID,
		Timestamp: time.Now(),
	}.WithPayload(protocol.RegisterAgentRequest{AgentID: agentID})
	if err != nil {
		return
	}
	if coord, cerr := c.coordinatorPeer(); cerr == nil {
		env.RequestID = uuid.NewString()
		if serr := coord.Send(env); serr != nil {
			c.log.Debugf("unregister proxy for %q failed: %s", agentID, serr)
		}
	}
}

// DiscoverAgents proxies list_agents to the coordinator.
func (c *Client) DiscoverAgents(filter []string) ([]protocol.AgentInfo, error) {
	env := &protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   protocol.CmdListAgents,
		SenderID:  c.nodeID,
		Timestamp: time.Now(),
	}
	resp, err := c.request(env)
	if err != nil {
		return nil, err
	}
	var body protocol.ListAgentsResponse
	if err := resp.DecodePayload(&body); err != nil {
		return nil, err
	}
	agents := body.Agents
	if len(filter) > 0 {
		agents = filterAgents(agents, filter)
	}
	return agents, nil
}

// Route hands everything upstream except traffic flowing back from the
// coordinator, which is delivered to the local peer it names.
func (c *Client) Route(from *transport.Peer, env *protocol.Envelope) (RouteResult, error) {
	if c.IsCoordinator(from) {
		return c.deliverLocal(env)
	}
	coord, err := c.coordinatorPeer()
	if err != nil {
		return NotFound, err
	}
	if err := coord.Send(env); err != nil {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"forward to coordinator failed: %s", err)
	}
	return Delivered, nil
}

func (c *Client) deliverLocal(env *protocol.Envelope) (RouteResult, error) {
	target := env.TargetID
	if target == "" {
		target = env.RelevantAgentID
	}
	if target == "" || env.Type == protocol.KindBroadcast {
		var firstErr error
		for _, entry := range c.registry.List(nil) {
			if entry.AgentID == env.SenderID {
				continue
			}
			if err := entry.Peer.Send(env); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return Delivered, firstErr
	}
	entry, ok := c.registry.Lookup(target)
	if !ok {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"agent %q is not connected here", target)
	}
	if err := entry.Peer.Send(env); err != nil {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"send to %q failed: %s", target, err)
	}
	return Delivered, nil
}

// request performs one correlated system request against the coordinator.
func (c *Client) request(env *protocol.Envelope) (*protocol.Envelope, error) {
	coord, err := c.coordinatorPeer()
	if err != nil {
		return nil, err
	}
	env.RequestID = uuid.NewString()
	ch := make(chan *protocol.Envelope, 1)
	c.pending.Store(env.RequestID, ch)
	defer c.pending.Delete(env.RequestID)

	if err := coord.Send(env); err != nil {
		return nil, protocol.Errorf(protocol.ErrTargetUnreachable,
			"request to coordinator failed: %s", err)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(c.dialTimeout):
		return nil, protocol.Errorf(protocol.ErrTargetUnreachable,
			"coordinator did not answer %s within %s", env.Command, c.dialTimeout)
	}
}

// HandleSystemResponse implements SystemHandler: responses matching a
// pending request id are consumed here.
func (c *Client) HandleSystemResponse(_ *transport.Peer, env *protocol.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	v, ok := c.pending.Load(env.RequestID)
	if !ok {
		return false
	}
	v.(chan *protocol.Envelope) <- env
	return true
}

// HandleSystemRequest implements SystemHandler; the client consumes no
// inbound system requests of its own.
func (c *Client) HandleSystemRequest(*transport.Peer, *protocol.Envelope) bool { return false }

// Subscribe implements Topology.
func (c *Client) Subscribe(l DirectoryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Unsubscribe implements Topology.
func (c *Client) Unsubscribe(l DirectoryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func filterAgents(agents []protocol.AgentInfo, filter []string) []protocol.AgentInfo {
	out := agents[:0]
	for _, a := range agents {
		if hasAllCapabilities(a.Capabilities, filter) {
			out = append(out, a)
		}
	}
	return out
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
