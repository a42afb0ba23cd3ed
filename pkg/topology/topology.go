package topology

import (
	"context"

	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// RouteResult reports what happened to an envelope handed to Route.
type RouteResult int

const (
	// Delivered: the envelope was written to the target's peer, or handed
	// to the node responsible for it.
	Delivered RouteResult = iota
	// Queued: the target is not yet resolvable; the envelope waits for a
	// discovery hit up to its deadline.
	Queued
	// NotFound: no route exists and none is expected.
	NotFound
)

func (r RouteResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case NotFound:
		return "not-found"
	}
	return "unknown"
}

// DirectoryListener observes directory membership changes. Mods subscribe
// through the orchestrator; callbacks run on the mutating goroutine and must
// not block.
type DirectoryListener interface {
	DirectoryUpdated(agents []protocol.AgentInfo)
}

// Topology owns agent registration, the directory, and the route-toward-X
// operation for one network mode.
type Topology interface {
	Mode() string

	// RegisterAgent binds peer under the requested id.
	RegisterAgent(peer *transport.Peer, req protocol.RegisterAgentRequest) error
	// UnregisterAgent drops the binding held by peer, if any.
	UnregisterAgent(peer *transport.Peer)
	// DiscoverAgents returns the directory view matching the capability
	// filter.
	DiscoverAgents(filter []string) ([]protocol.AgentInfo, error)
	// Route moves env toward its target. from is the peer the envelope
	// arrived on, nil when a local mod originated it.
	Route(from *transport.Peer, env *protocol.Envelope) (RouteResult, error)

	Subscribe(l DirectoryListener)
	Unsubscribe(l DirectoryListener)

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SystemHandler is implemented by topologies that consume node-internal
// system traffic (directory gossip, discovery queries). The orchestrator
// offers unrecognized system requests and unmatched system responses here
// before failing them.
type SystemHandler interface {
	HandleSystemRequest(from *transport.Peer, env *protocol.Envelope) bool
	HandleSystemResponse(from *transport.Peer, env *protocol.Envelope) bool
}

// Node-internal system commands.
const (
	// CmdAnnounce carries a presence digest between decentralized nodes.
	CmdAnnounce = "announce"
	// CmdFindAgent is the one-hop query for an unknown agent's home node.
	CmdFindAgent = "find_agent"
)

// NodeAnnounce is the presence digest exchanged on CmdAnnounce.
type NodeAnnounce struct {
	NodeID string               `json:"node_id"`
	Addr   string               `json:"addr,omitempty"`
	Agents []protocol.AgentInfo `json:"agents"`
}

// FindAgentQuery asks whether the receiving node hosts agent_id.
type FindAgentQuery struct {
	NodeID  string `json:"node_id"`
	AgentID string `json:"agent_id"`
}

// FindAgentReply answers a FindAgentQuery.
type FindAgentReply struct {
	NodeID  string `json:"node_id"`
	AgentID string `json:"agent_id"`
	Found   bool   `json:"found"`
}
