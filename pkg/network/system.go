package network

import (
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/topology"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// handleSystemRequest serves the recognized commands synchronously and
// writes the matching response on the same peer, echoing any request id.
func (n *Network) handleSystemRequest(p *transport.Peer, env *protocol.Envelope) {
	switch env.Command {
	case protocol.CmdRegisterAgent:
		n.handleRegisterAgent(p, env)
	case protocol.CmdUnregisterAgent:
		n.handleUnregisterAgent(p, env)
	case protocol.CmdListAgents:
		n.handleListAgents(p, env)
	case protocol.CmdListMods:
		n.respond(p, env, protocol.ListModsResponse{Success: true, Mods: n.modNames()})
	case protocol.CmdGetNetworkInfo:
		n.respond(p, env, protocol.NetworkInfoResponse{
			Success: true,
			NetworkInfo: protocol.NetworkInfo{
				Name:       n.cfg.Network.Name,
				NodeID:     n.cfg.Network.NodeID,
				Mode:       n.cfg.Network.Mode,
				Mods:       n.modNames(),
				AgentCount: n.registry.Len(),
			},
		})
	default:
		if sys, ok := n.topo.(topology.SystemHandler); ok && sys.HandleSystemRequest(p, env) {
			return
		}
		n.respond(p, env, protocol.StatusResponse{
			Success:   false,
			Error:     "unrecognized command " + env.Command,
			ErrorKind: protocol.ErrUnknownCommand,
		})
	}
}

func (n *Network) handleRegisterAgent(p *transport.Peer, env *protocol.Envelope) {
	var req protocol.RegisterAgentRequest
	if err := env.DecodePayload(&req); err != nil {
		n.respond(p, env, protocol.RegisterAgentResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: protocol.ErrInvalidPayload,
		})
		return
	}
	if req.AgentID == "" {
		req.AgentID = env.AgentID
	}
	if req.AgentID == "" {
		req.AgentID = env.SenderID
	}

	if err := n.topo.RegisterAgent(p, req); err != nil {
		kind := protocol.KindOf(err)
		msg := err.Error()
		if kind == protocol.ErrDuplicateAgent {
			msg = "agent already connected"
		}
		n.respond(p, env, protocol.RegisterAgentResponse{
			Success:   false,
			Error:     msg,
			ErrorKind: kind,
		})
		return
	}

	registeredAgents.Set(float64(n.registry.Len()))
	n.respond(p, env, protocol.RegisterAgentResponse{
		Success:     true,
		NetworkName: n.cfg.Network.Name,
		NodeID:      n.cfg.Network.NodeID,
		AgentID:     req.AgentID,
	})
}

func (n *Network) handleUnregisterAgent(p *transport.Peer, env *protocol.Envelope) {
	n.topo.UnregisterAgent(p)
	registeredAgents.Set(float64(n.registry.Len()))
	n.respond(p, env, protocol.StatusResponse{Success: true})
}

func (n *Network) handleListAgents(p *transport.Peer, env *protocol.Envelope) {
	var req struct {
		Capabilities []string `json:"capabilities,omitempty"`
	}
	if len(env.Payload) > 0 {
		// Filter is optional; a malformed one is ignored rather than
		// failing the whole listing.
		_ = env.DecodePayload(&req)
	}
	agents, err := n.topo.DiscoverAgents(req.Capabilities)
	if err != nil {
		n.respond(p, env, protocol.StatusResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: protocol.KindOf(err),
		})
		return
	}
	n.respond(p, env, protocol.ListAgentsResponse{Success: true, Agents: agents})
}

func (n *Network) respond(p *transport.Peer, req *protocol.Envelope, payload interface{}) {
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemResponse,
		Command:   req.Command,
		SenderID:  n.cfg.Network.NodeID,
		RequestID: req.RequestID,
		MessageID: n.ids.Next(),
		Timestamp: time.Now(),
	}.WithPayload(payload)
	if err != nil {
		n.log.Errorf("building %s response: %s", req.Command, err)
		return
	}
	if serr := p.Send(env); serr != nil {
		n.log.Debugf("%s response to peer %d failed: %s", req.Command, p.Handle(), serr)
	}
}
