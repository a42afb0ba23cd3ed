package network

import (
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// Mod is one pluggable message handler attached to the orchestrator under a
// name. The mod host guarantees OnEnvelope is never invoked concurrently for
// the same mod instance; different mods run concurrently.
type Mod interface {
	Name() string
	// OnStart hands the mod its callback surface into the orchestrator.
	OnStart(rt Runtime) error
	// OnEnvelope handles one inbound envelope addressed to this mod. A
	// returned error is confined to this envelope: the host reports it to
	// the sender and keeps serving.
	OnEnvelope(sender *transport.Peer, env *protocol.Envelope) error
	OnShutdown() error
}

// Runtime is the orchestrator surface mods call back into.
type Runtime interface {
	NodeID() string
	NetworkName() string
	// NextMessageID hands out the node's monotonically increasing envelope id.
	NextMessageID() uint64
	// AgentFor resolves a peer handle to its registered agent id.
	AgentFor(handle transport.Handle) (string, bool)
	// HasAgent reports whether agentID is currently resolvable.
	HasAgent(agentID string) bool
	// SendToAgent routes env toward agentID, setting the target field.
	SendToAgent(agentID string, env *protocol.Envelope) error
	// Broadcast fans env out to every registered agent except the sender.
	Broadcast(env *protocol.Envelope) error
	// DiscoverAgents queries the directory.
	DiscoverAgents(filter []string) ([]protocol.AgentInfo, error)
}

// Snapshotter is implemented by mods whose state joins the optional
// node snapshot written on clean shutdown.
type Snapshotter interface {
	SnapshotState() (name string, state interface{})
}
