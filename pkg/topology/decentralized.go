package topology

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// maxForwardHops bounds cross-node forwarding of a single envelope. A stale
// home-node attribution gets one forward from the old home; anything still
// bouncing past this is dropped.
const maxForwardHops = 3

// Decentralized keeps a local directory seeded by bootstrap peers and
// refreshed by periodic presence announces. Remote entries age out of the
// view unless re-announced; envelopes for unknown agents wait in a pending
// queue while a one-hop query runs.
type Decentralized struct {
	nodeID        string
	advertiseAddr string
	bootstrap     []string
	discovery     bool
	gossipPeriod  time.Duration
	dialTimeout   time.Duration
	retryAttempts int
	registry      *registry.Registry
	transport     transport.Transport
	log           *log.Entry

	// remote view: agent id -> protocol.AgentInfo with source-node
	// attribution, TTL-evicted when a node stops announcing it.
	remote *gocache.Cache
	// pending envelopes: agent id -> []*protocol.Envelope waiting on a
	// discovery hit, dropped at their deadline.
	pending *gocache.Cache

	mu        sync.Mutex
	nodePeers map[string]*transport.Peer
	peerNodes map[transport.Handle]string
	listeners []DirectoryListener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDecentralized builds the mesh topology.
func NewDecentralized(cfg *config.Network, reg *registry.Registry, tr transport.Transport) *Decentralized {
	gossip := cfg.DiscoveryPeriod()
	return &Decentralized{
		nodeID:        cfg.NodeID,
		advertiseAddr: cfg.ListenAddr(),
		bootstrap:     cfg.BootstrapNodes,
		discovery:     cfg.DiscoveryEnabled,
		gossipPeriod:  gossip,
		dialTimeout:   cfg.DialTimeout(),
		retryAttempts: cfg.RetryAttempts,
		registry:      reg,
		transport:     tr,
		log: log.WithFields(log.Fields{
			"component": "topology",
			"mode":      config.ModeDecentralized,
			"node":      cfg.NodeID,
		}),
		remote:    gocache.New(3*gossip, gossip),
		pending:   gocache.New(cfg.DialTimeout(), gossip),
		nodePeers: map[string]*transport.Peer{},
		peerNodes: map[transport.Handle]string{},
		stop:      make(chan struct{}),
	}
}

// Mode implements Topology.
func (d *Decentralized) Mode() string { return config.ModeDecentralized }

// Start dials the bootstrap nodes and, when discovery is enabled, begins the
// gossip ticker.
func (d *Decentralized) Start(ctx context.Context) error {
	for _, addr := range d.bootstrap {
		if err := d.dialNode(ctx, addr); err != nil {
			// A dead bootstrap peer is not fatal; the mesh heals once
			// any node answers.
			d.log.Warnf("bootstrap %s unreachable: %s", addr, err)
		}
	}
	if d.discovery {
		d.wg.Add(1)
		go d.gossipLoop()
	}
	return nil
}

func (d *Decentralized) dialNode(ctx context.Context, addr string) error {
	var lastErr error
	for attempt := 0; attempt < d.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		peer, err := d.transport.Dial(dialCtx, addr,
			map[string]string{"node_id": d.nodeID, "role": "node"})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		d.announceTo(peer)
		return nil
	}
	return lastErr
}

// Shutdown implements Topology.
func (d *Decentralized) Shutdown(context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.mu.Lock()
	peers := make([]*transport.Peer, 0, len(d.nodePeers))
	for _, p := range d.nodePeers {
		peers = append(peers, p)
	}
	d.nodePeers = map[string]*transport.Peer{}
	d.peerNodes = map[transport.Handle]string{}
	d.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	return nil
}

func (d *Decentralized) gossipLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.gossipPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			for _, p := range d.livePeers() {
				d.announceTo(p)
			}
		}
	}
}

func (d *Decentralized) livePeers() []*transport.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*transport.Peer, 0, len(d.nodePeers))
	for nodeID, p := range d.nodePeers {
		select {
		case <-p.Done():
			delete(d.nodePeers, nodeID)
			delete(d.peerNodes, p.Handle())
		default:
			out = append(out, p)
		}
	}
	return out
}

func (d *Decentralized) digest() NodeAnnounce {
	return NodeAnnounce{
		NodeID: d.nodeID,
		Addr:   d.advertiseAddr,
		Agents: d.registry.Snapshot(),
	}
}

func (d *Decentralized) announceTo(peer *transport.Peer) {
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   CmdAnnounce,
		SenderID:  d.nodeID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
	}.WithPayload(d.digest())
	if err != nil {
		return
	}
	if err := peer.Send(env); err != nil {
		d.log.Debugf("announce to peer %d failed: %s", peer.Handle(), err)
	}
}

// RegisterAgent binds locally; the next announce carries the new entry to
// the rest of the mesh.
func (d *Decentralized) RegisterAgent(peer *transport.Peer, req protocol.RegisterAgentRequest) error {
	if err := d.registry.Bind(peer, req.AgentID, req.Metadata, req.Capabilities, req.ForceReconnect); err != nil {
		return err
	}
	d.remote.Delete(req.AgentID)
	d.log.Infof("agent %q registered locally", req.AgentID)
	d.notify()
	d.flushPending(req.AgentID)
	return nil
}

// UnregisterAgent drops either an agent binding or a node-peer attribution,
// whichever the closing peer held.
func (d *Decentralized) UnregisterAgent(peer *transport.Peer) {
	if agentID, ok := d.registry.Unbind(peer.Handle()); ok {
		d.log.Infof("agent %q unregistered", agentID)
		d.notify()
		return
	}
	d.mu.Lock()
	if nodeID, ok := d.peerNodes[peer.Handle()]; ok {
		delete(d.peerNodes, peer.Handle())
		if current, live := d.nodePeers[nodeID]; live && current.Handle() == peer.Handle() {
			delete(d.nodePeers, nodeID)
		}
		d.log.Infof("lost node peer %s", nodeID)
	}
	d.mu.Unlock()
}

// DiscoverAgents merges the local registry with the remote view.
func (d *Decentralized) DiscoverAgents(filter []string) ([]protocol.AgentInfo, error) {
	out := []protocol.AgentInfo{}
	for _, e := range d.registry.List(filter) {
		out = append(out, e.Info())
	}
	for _, item := range d.remote.Items() {
		info := item.Object.(protocol.AgentInfo)
		if len(filter) > 0 && !hasAllCapabilities(info.Capabilities, filter) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Route delivers locally, forwards toward the attributed home node, or
// queues behind a one-hop discovery query.
func (d *Decentralized) Route(from *transport.Peer, env *protocol.Envelope) (RouteResult, error) {
	if env.Type == protocol.KindBroadcast || env.TargetID == "" {
		return d.broadcast(from, env)
	}

	if entry, ok := d.registry.Lookup(env.TargetID); ok {
		if err := entry.Peer.Send(env); err != nil {
			return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
				"send to %q failed: %s", env.TargetID, err)
		}
		return Delivered, nil
	}

	if env.Hops >= maxForwardHops {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"agent %q unreachable after %d hops", env.TargetID, env.Hops)
	}

	if v, ok := d.remote.Get(env.TargetID); ok {
		info := v.(protocol.AgentInfo)
		if peer := d.nodePeer(info.HomeNodeID); peer != nil {
			fwd := *env
			fwd.Hops++
			fwd.RelevantAgentID = env.TargetID
			if err := peer.Send(&fwd); err == nil {
				return Delivered, nil
			}
			// The attributed home is unreachable; fall through to query.
			d.remote.Delete(env.TargetID)
		}
	}

	// Envelopes already traveling between nodes are not re-queued; the
	// origin node owns the deadline.
	if from != nil && d.isNodePeer(from) {
		return NotFound, protocol.Errorf(protocol.ErrTargetUnreachable,
			"agent %q is not here", env.TargetID)
	}

	d.enqueuePending(env)
	d.queryFor(env.TargetID)
	return Queued, nil
}

func (d *Decentralized) broadcast(from *transport.Peer, env *protocol.Envelope) (RouteResult, error) {
	var firstErr error
	for _, entry := range d.registry.List(nil) {
		if entry.AgentID == env.SenderID {
			continue
		}
		if err := entry.Peer.Send(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Fan out once across the mesh; nodes never re-forward a broadcast.
	if env.Hops == 0 && (from == nil || !d.isNodePeer(from)) {
		fwd := *env
		fwd.Hops = 1
		for _, p := range d.livePeers() {
			if err := p.Send(&fwd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return Delivered, firstErr
}

func (d *Decentralized) nodePeer(nodeID string) *transport.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.nodePeers[nodeID]
	if !ok {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	default:
		return p
	}
}

func (d *Decentralized) isNodePeer(p *transport.Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peerNodes[p.Handle()]
	return ok
}

func (d *Decentralized) enqueuePending(env *protocol.Envelope) {
	key := env.TargetID
	var queue []*protocol.Envelope
	if v, ok := d.pending.Get(key); ok {
		queue = v.([]*protocol.Envelope)
	}
	queue = append(queue, env)
	d.pending.Set(key, queue, d.dialTimeout)
}

func (d *Decentralized) flushPending(agentID string) {
	v, ok := d.pending.Get(agentID)
	if !ok {
		return
	}
	d.pending.Delete(agentID)
	for _, env := range v.([]*protocol.Envelope) {
		if _, err := d.Route(nil, env); err != nil {
			d.log.Debugf("flush of queued envelope for %q failed: %s", agentID, err)
		}
	}
}

func (d *Decentralized) queryFor(agentID string) {
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   CmdFindAgent,
		SenderID:  d.nodeID,
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
	}.WithPayload(FindAgentQuery{NodeID: d.nodeID, AgentID: agentID})
	if err != nil {
		return
	}
	for _, p := range d.livePeers() {
		if err := p.Send(env); err != nil {
			d.log.Debugf("find_agent to peer %d failed: %s", p.Handle(), err)
		}
	}
}

// HandleSystemRequest consumes announce and find_agent traffic from other
// nodes.
func (d *Decentralized) HandleSystemRequest(from *transport.Peer, env *protocol.Envelope) bool {
	switch env.Command {
	case CmdAnnounce:
		var digest NodeAnnounce
		if err := env.DecodePayload(&digest); err != nil {
			d.log.Debugf("bad announce from peer %d: %s", from.Handle(), err)
			return true
		}
		d.adoptNodePeer(from, digest.NodeID)
		d.merge(digest)
		resp, err := protocol.Envelope{
			Type:      protocol.KindSystemResponse,
			Command:   CmdAnnounce,
			SenderID:  d.nodeID,
			RequestID: env.RequestID,
			Timestamp: time.Now(),
		}.WithPayload(d.digest())
		if err == nil {
			if serr := from.Send(resp); serr != nil {
				d.log.Debugf("announce reply failed: %s", serr)
			}
		}
		return true
	case CmdFindAgent:
		var query FindAgentQuery
		if err := env.DecodePayload(&query); err != nil {
			return true
		}
		_, found := d.registry.Lookup(query.AgentID)
		resp, err := protocol.Envelope{
			Type:      protocol.KindSystemResponse,
			Command:   CmdFindAgent,
			SenderID:  d.nodeID,
			RequestID: env.RequestID,
			Timestamp: time.Now(),
		}.WithPayload(FindAgentReply{NodeID: d.nodeID, AgentID: query.AgentID, Found: found})
		if err == nil {
			if serr := from.Send(resp); serr != nil {
				d.log.Debugf("find_agent reply failed: %s", serr)
			}
		}
		return true
	}
	return false
}

// HandleSystemResponse consumes announce digests and find_agent answers.
func (d *Decentralized) HandleSystemResponse(from *transport.Peer, env *protocol.Envelope) bool {
	switch env.Command {
	case CmdAnnounce:
		var digest NodeAnnounce
		if err := env.DecodePayload(&digest); err != nil {
			return true
		}
		d.adoptNodePeer(from, digest.NodeID)
		d.merge(digest)
		return true
	case CmdFindAgent:
		var reply FindAgentReply
		if err := env.DecodePayload(&reply); err != nil {
			return true
		}
		if reply.Found {
			d.remote.Set(reply.AgentID, protocol.AgentInfo{
				AgentID:    reply.AgentID,
				LastSeen:   time.Now(),
				HomeNodeID: reply.NodeID,
			}, gocache.DefaultExpiration)
			d.flushPending(reply.AgentID)
		}
		return true
	}
	return false
}

func (d *Decentralized) adoptNodePeer(peer *transport.Peer, nodeID string) {
	if nodeID == "" || nodeID == d.nodeID {
		return
	}
	d.mu.Lock()
	prior, known := d.nodePeers[nodeID]
	if !known || prior.Handle() != peer.Handle() {
		d.nodePeers[nodeID] = peer
		d.peerNodes[peer.Handle()] = nodeID
		if known {
			delete(d.peerNodes, prior.Handle())
		}
	}
	d.mu.Unlock()
	if !known {
		d.log.Infof("node peer %s joined", nodeID)
	}
}

// merge folds a presence digest into the remote view: most recent last-seen
// wins, home node id breaks ties.
func (d *Decentralized) merge(digest NodeAnnounce) {
	changed := false
	for _, info := range digest.Agents {
		if info.AgentID == "" {
			continue
		}
		if _, local := d.registry.Lookup(info.AgentID); local {
			continue
		}
		if info.HomeNodeID == "" {
			info.HomeNodeID = digest.NodeID
		}
		if v, ok := d.remote.Get(info.AgentID); ok {
			existing := v.(protocol.AgentInfo)
			if existing.LastSeen.After(info.LastSeen) {
				continue
			}
			if existing.LastSeen.Equal(info.LastSeen) && existing.HomeNodeID >= info.HomeNodeID {
				continue
			}
		}
		d.remote.Set(info.AgentID, info, gocache.DefaultExpiration)
		changed = true
		d.flushPending(info.AgentID)
	}
	if changed {
		d.notify()
	}
}

// Subscribe implements Topology.
func (d *Decentralized) Subscribe(l DirectoryListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Unsubscribe implements Topology.
func (d *Decentralized) Unsubscribe(l DirectoryListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Decentralized) notify() {
	agents, _ := d.DiscoverAgents(nil)
	d.mu.Lock()
	listeners := make([]DirectoryListener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()
	for _, l := range listeners {
		l.DirectoryUpdated(agents)
	}
}
