package registry

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// Entry binds one registered agent to the local peer that implements it.
type Entry struct {
	AgentID      string
	Metadata     map[string]string
	Capabilities mapset.Set[string]
	LastSeen     time.Time
	HomeNodeID   string
	Peer         *transport.Peer
}

// Info projects the entry onto its wire representation.
func (e *Entry) Info() protocol.AgentInfo {
	var caps []string
	if e.Capabilities != nil {
		caps = e.Capabilities.ToSlice()
	}
	return protocol.AgentInfo{
		AgentID:      e.AgentID,
		Metadata:     e.Metadata,
		Capabilities: caps,
		LastSeen:     e.LastSeen,
		HomeNodeID:   e.HomeNodeID,
	}
}

// Registry is the single source of truth for which local peer implements
// which agent. All methods are safe for concurrent use; readers never see a
// half-updated entry.
type Registry struct {
	nodeID string

	mu       sync.RWMutex
	byAgent  map[string]*Entry
	byHandle map[transport.Handle]string

	log *log.Entry
}

// New returns an empty registry for the given node.
func New(nodeID string) *Registry {
	return &Registry{
		nodeID:   nodeID,
		byAgent:  map[string]*Entry{},
		byHandle: map[transport.Handle]string{},
		log:      log.WithFields(log.Fields{"component": "registry"}),
	}
}

// Bind registers peer under agentID. A duplicate id fails with
// duplicate_agent unless force is set, in which case the prior binding is
// displaced and its peer closed before Bind returns.
func (r *Registry) Bind(peer *transport.Peer, agentID string, metadata map[string]string, capabilities []string, force bool) error {
	if agentID == "" {
		return protocol.Errorf(protocol.ErrInvalidPayload, "empty agent id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, taken := r.byAgent[agentID]; taken {
		if prior.Peer != nil && prior.Peer.Handle() == peer.Handle() {
			// Same peer re-registering is a refresh, not a collision.
		} else if !force {
			return protocol.Errorf(protocol.ErrDuplicateAgent, "agent %q already connected", agentID)
		} else {
			r.log.Infof("agent %q force-reconnected, displacing peer %d", agentID, prior.Peer.Handle())
			delete(r.byHandle, prior.Peer.Handle())
			prior.Peer.Close()
		}
	}

	peer.BindAgent(agentID, metadata)
	r.byAgent[agentID] = &Entry{
		AgentID:      agentID,
		Metadata:     metadata,
		Capabilities: mapset.NewSet(capabilities...),
		LastSeen:     time.Now(),
		HomeNodeID:   r.nodeID,
		Peer:         peer,
	}
	r.byHandle[peer.Handle()] = agentID
	return nil
}

// Unbind removes the binding owned by handle, returning the agent id it
// held. Unknown handles are a no-op.
func (r *Registry) Unbind(handle transport.Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agentID, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}
	delete(r.byHandle, handle)
	delete(r.byAgent, agentID)
	return agentID, true
}

// Lookup resolves an agent id to its entry.
func (r *Registry) Lookup(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAgent[agentID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// AgentFor resolves a peer handle back to its bound agent id.
func (r *Registry) AgentFor(handle transport.Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[handle]
	return id, ok
}

// List returns entries whose capability set contains every tag in filter.
// An empty filter matches everything.
func (r *Registry) List(filter []string) []Entry {
	want := mapset.NewSet(filter...)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byAgent))
	for _, e := range r.byAgent {
		if want.Cardinality() > 0 && !want.IsSubset(e.Capabilities) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Touch refreshes last-seen for the agent bound to handle.
func (r *Registry) Touch(handle transport.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID, ok := r.byHandle[handle]; ok {
		if e, ok := r.byAgent[agentID]; ok {
			e.LastSeen = time.Now()
		}
	}
}

// Snapshot returns the directory as wire entries.
func (r *Registry) Snapshot() []protocol.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.AgentInfo, 0, len(r.byAgent))
	for _, e := range r.byAgent {
		out = append(out, e.Info())
	}
	return out
}

// Peers returns every bound peer, for heartbeat iteration.
func (r *Registry) Peers() []*transport.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*transport.Peer, 0, len(r.byAgent))
	for _, e := range r.byAgent {
		out = append(out, e.Peer)
	}
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent)
}
