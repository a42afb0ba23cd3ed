// Package simplemsg is the minimal messaging mod: unthreaded text relay,
// direct or broadcast. It exists mainly for agents that do not need the
// thread messaging surface, and keeps the mod host honest about running
// more than one mod.
package simplemsg

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/network"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// ModName is the name agents address simple-messaging envelopes to.
const ModName = "simple_messaging"

const (
	actionSend      = "send_message"
	actionBroadcast = "broadcast_message"
)

type request struct {
	Action        string `json:"action"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	Text          string `json:"text"`
}

type relay struct {
	Action   string    `json:"action"`
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

type ack struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

// Mod relays plain text between agents.
type Mod struct {
	rt  network.Runtime
	log *log.Entry
}

// New returns the mod.
func New() *Mod {
	return &Mod{log: log.WithFields(log.Fields{"component": "mod", "mod": ModName})}
}

// Name implements network.Mod.
func (m *Mod) Name() string { return ModName }

// OnStart implements network.Mod.
func (m *Mod) OnStart(rt network.Runtime) error {
	m.rt = rt
	return nil
}

// OnShutdown implements network.Mod.
func (m *Mod) OnShutdown() error { return nil }

// OnEnvelope relays one message.
func (m *Mod) OnEnvelope(sender *transport.Peer, env *protocol.Envelope) error {
	agentID, ok := m.rt.AgentFor(sender.Handle())
	if !ok {
		return protocol.Errorf(protocol.ErrNotRegistered,
			"peer %d has not registered an agent", sender.Handle())
	}
	var req request
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	body := relay{Action: req.Action, SenderID: agentID, Text: req.Text, SentAt: time.Now()}
	out, err := protocol.Envelope{
		Type:      protocol.KindModMessage,
		Mod:       ModName,
		Direction: protocol.DirectionOutbound,
		SenderID:  agentID,
		Timestamp: time.Now(),
	}.WithPayload(body)
	if err != nil {
		return err
	}

	switch req.Action {
	case actionSend:
		if req.TargetAgentID == "" {
			return protocol.Errorf(protocol.ErrInvalidPayload, "target_agent_id is required")
		}
		out.RelevantAgentID = req.TargetAgentID
		if err := m.rt.SendToAgent(req.TargetAgentID, out); err != nil {
			return err
		}
	case actionBroadcast:
		if err := m.rt.Broadcast(out); err != nil {
			m.log.Debugf("broadcast partially failed: %s", err)
		}
	default:
		return protocol.Errorf(protocol.ErrInvalidPayload, "unrecognized action %q", req.Action)
	}

	reply, err := protocol.Envelope{
		Type:      protocol.KindModMessage,
		Mod:       ModName,
		Direction: protocol.DirectionOutbound,
		SenderID:  m.rt.NodeID(),
		RequestID: env.RequestID,
		Timestamp: time.Now(),
	}.WithPayload(ack{Action: req.Action, Success: true})
	if err != nil {
		return err
	}
	return sender.Send(reply)
}
