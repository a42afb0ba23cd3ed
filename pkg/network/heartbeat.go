package network

import (
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// heartbeatLoop emits one heartbeat per registered peer every interval and
// reaps peers silent for two intervals. Reaped peers disappear from the
// directory without an error envelope; from their side the stream just
// closes.
func (n *Network) heartbeatLoop() {
	defer n.wg.Done()
	interval := n.cfg.Network.HeartbeatPeriod()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.emitHeartbeats()
			n.reapStalePeers(2 * interval)
		}
	}
}

func (n *Network) emitHeartbeats() {
	env, err := protocol.Envelope{
		Type:      protocol.KindHeartbeat,
		SenderID:  n.cfg.Network.NodeID,
		Timestamp: time.Now(),
	}.WithPayload(protocol.HeartbeatPayload{NodeID: n.cfg.Network.NodeID})
	if err != nil {
		return
	}
	for _, p := range n.registry.Peers() {
		if serr := p.Send(env); serr != nil {
			n.log.Debugf("heartbeat to peer %d failed: %s", p.Handle(), serr)
		}
	}
}

func (n *Network) reapStalePeers(maxSilence time.Duration) {
	cutoff := time.Now().Add(-maxSilence)
	for _, p := range n.registry.Peers() {
		if p.LastSeen().After(cutoff) {
			continue
		}
		agentID := p.AgentID()
		n.log.Infof("reaping peer %d (agent %q): no heartbeat since %s",
			p.Handle(), agentID, p.LastSeen().Format(time.RFC3339))
		heartbeatTimeouts.Inc()
		p.Close()
		n.topo.UnregisterAgent(p)
	}
	registeredAgents.Set(float64(n.registry.Len()))
}
