package network

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testAgent is a wire-level agent: its own transport on the shared fabric,
// collecting everything the node sends it.
type testAgent struct {
	t        *testing.T
	peer     *transport.Peer
	tr       *transport.InMemory
	envs     chan *protocol.Envelope
	autoBeat bool
}

func (a *testAgent) HandlePeer(*transport.Peer)              {}
func (a *testAgent) HandlePeerClosed(*transport.Peer, error) {}

func (a *testAgent) HandleEnvelope(p *transport.Peer, env *protocol.Envelope) {
	if env.Type == protocol.KindHeartbeat && a.autoBeat {
		reply := &protocol.Envelope{
			Type:      protocol.KindHeartbeatResponse,
			SenderID:  p.AgentID(),
			Timestamp: time.Now(),
		}
		p.Send(reply)
		return
	}
	a.envs <- env
}

func (a *testAgent) next() *protocol.Envelope {
	a.t.Helper()
	select {
	case env := <-a.envs:
		return env
	case <-time.After(3 * time.Second):
		a.t.Fatal("no envelope arrived")
		return nil
	}
}

func (a *testAgent) send(env *protocol.Envelope) {
	a.t.Helper()
	if err := a.peer.Send(env); err != nil {
		a.t.Fatalf("send: %s", err)
	}
}

// request sends a system request and waits for the matching response.
func (a *testAgent) request(command string, payload interface{}) *protocol.Envelope {
	a.t.Helper()
	env, err := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   command,
		RequestID: fmt.Sprintf("req-%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
	}.WithPayload(payload)
	if err != nil {
		a.t.Fatalf("payload: %s", err)
	}
	a.send(env)
	for {
		got := a.next()
		if got.Type == protocol.KindSystemResponse && got.RequestID == env.RequestID {
			return got
		}
	}
}

func (a *testAgent) register(agentID string, force bool) protocol.RegisterAgentResponse {
	a.t.Helper()
	resp := a.request(protocol.CmdRegisterAgent, protocol.RegisterAgentRequest{
		AgentID:        agentID,
		ForceReconnect: force,
	})
	var body protocol.RegisterAgentResponse
	if err := resp.DecodePayload(&body); err != nil {
		a.t.Fatalf("register response: %s", err)
	}
	return body
}

type nodeHarness struct {
	t      *testing.T
	net    *Network
	fabric *transport.Fabric
	addr   string
}

func startNode(t *testing.T, tweak func(*config.Config)) *nodeHarness {
	t.Helper()
	cfg, err := config.Parse([]byte(`
network:
  name: testnet
  node_id: node-1
  host: inmem-node
  port: 1
`))
	if err != nil {
		t.Fatalf("config: %s", err)
	}
	if tweak != nil {
		tweak(cfg)
	}

	fabric := transport.NewFabric()
	var net *Network
	factory := func(h transport.Handler, opts transport.Options) transport.Transport {
		return transport.NewInMemory(h, fabric, opts)
	}
	net, err = New(cfg, nil, factory)
	if err != nil {
		t.Fatalf("new network: %s", err)
	}
	if err := net.Start(context.Background()); err != nil {
		t.Fatalf("start: %s", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		net.Shutdown(ctx)
	})
	return &nodeHarness{t: t, net: net, fabric: fabric, addr: cfg.Network.ListenAddr()}
}

func (h *nodeHarness) connect(autoBeat bool) *testAgent {
	h.t.Helper()
	agent := &testAgent{
		t:        h.t,
		envs:     make(chan *protocol.Envelope, 256),
		autoBeat: autoBeat,
	}
	agent.tr = transport.NewInMemory(agent, h.fabric, transport.Options{})
	peer, err := agent.tr.Dial(context.Background(), h.addr, nil)
	if err != nil {
		h.t.Fatalf("dial: %s", err)
	}
	agent.peer = peer
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agent.tr.Shutdown(ctx)
	})
	return agent
}

func TestRegistrationCollision(t *testing.T) {
	node := startNode(t, nil)

	first := node.connect(true)
	resp := first.register("alpha", false)
	if !resp.Success || resp.NetworkName != "testnet" || resp.NodeID != "node-1" {
		t.Fatalf("first registration: %+v", resp)
	}

	second := node.connect(true)
	dup := second.register("alpha", false)
	if dup.Success || dup.ErrorKind != protocol.ErrDuplicateAgent {
		t.Fatalf("duplicate registration: %+v", dup)
	}
	if dup.Error != "agent already connected" {
		t.Errorf("duplicate error message: %q", dup.Error)
	}

	if node.net.Registry().Len() != 1 {
		t.Errorf("directory has %d entries, want 1", node.net.Registry().Len())
	}
}

func TestForceReconnectDisplacesPrior(t *testing.T) {
	node := startNode(t, nil)

	first := node.connect(true)
	if resp := first.register("alpha", false); !resp.Success {
		t.Fatalf("first registration failed: %+v", resp)
	}
	entry, _ := node.net.Registry().Lookup("alpha")
	firstServerPeer := entry.Peer

	second := node.connect(true)
	if resp := second.register("alpha", true); !resp.Success {
		t.Fatalf("force registration failed: %+v", resp)
	}

	select {
	case <-firstServerPeer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("displaced peer stream was not closed")
	}
	entry, ok := node.net.Registry().Lookup("alpha")
	if !ok || entry.Peer.Handle() == firstServerPeer.Handle() {
		t.Error("directory does not point at the new peer")
	}
}

func TestDirectEnvelopeDeliveredExactlyOnce(t *testing.T) {
	node := startNode(t, nil)

	alpha := node.connect(true)
	alpha.register("alpha", false)
	beta := node.connect(true)
	beta.register("beta", false)

	env, err := protocol.Envelope{
		Type:     protocol.KindDirect,
		SenderID: "alpha",
		TargetID: "beta",
	}.WithPayload(map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("payload: %s", err)
	}
	alpha.send(env)

	got := beta.next()
	if got.SenderID != "alpha" || string(got.Payload) != string(env.Payload) {
		t.Errorf("delivered envelope mutated: %+v", got)
	}
	if got.MessageID == 0 {
		t.Error("server did not assign a message id")
	}
	select {
	case dup := <-beta.envs:
		t.Errorf("duplicate delivery: %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDirectToUnknownAgentReturnsError(t *testing.T) {
	node := startNode(t, nil)
	alpha := node.connect(true)
	alpha.register("alpha", false)

	alpha.send(&protocol.Envelope{Type: protocol.KindDirect, SenderID: "alpha", TargetID: "ghost"})
	got := alpha.next()
	var body protocol.ErrorPayload
	if err := got.DecodePayload(&body); err != nil {
		t.Fatalf("error payload: %s", err)
	}
	if body.ErrorKind != protocol.ErrTargetUnreachable {
		t.Errorf("expected target_unreachable, got %+v", body)
	}
}

func TestListAgentsListModsNetworkInfo(t *testing.T) {
	node := startNode(t, nil)
	alpha := node.connect(true)
	alpha.register("alpha", false)
	beta := node.connect(true)
	beta.register("beta", false)

	resp := alpha.request(protocol.CmdListAgents, nil)
	var agents protocol.ListAgentsResponse
	if err := resp.DecodePayload(&agents); err != nil {
		t.Fatalf("list_agents: %s", err)
	}
	if len(agents.Agents) != 2 {
		t.Errorf("list_agents returned %d entries", len(agents.Agents))
	}

	resp = alpha.request(protocol.CmdListMods, nil)
	var mods protocol.ListModsResponse
	if err := resp.DecodePayload(&mods); err != nil {
		t.Fatalf("list_mods: %s", err)
	}
	if len(mods.Mods) != 0 {
		t.Errorf("expected no mods on this node, got %v", mods.Mods)
	}

	resp = alpha.request(protocol.CmdGetNetworkInfo, nil)
	var info protocol.NetworkInfoResponse
	if err := resp.DecodePayload(&info); err != nil {
		t.Fatalf("get_network_info: %s", err)
	}
	if info.NetworkInfo.Mode != config.ModeCentralized || info.NetworkInfo.AgentCount != 2 {
		t.Errorf("network info: %+v", info.NetworkInfo)
	}
}

func TestUnknownCommandAndUnknownMod(t *testing.T) {
	node := startNode(t, nil)
	alpha := node.connect(true)
	alpha.register("alpha", false)

	resp := alpha.request("reticulate_splines", nil)
	var status protocol.StatusResponse
	if err := resp.DecodePayload(&status); err != nil {
		t.Fatalf("status: %s", err)
	}
	if status.Success || status.ErrorKind != protocol.ErrUnknownCommand {
		t.Errorf("unknown command response: %+v", status)
	}

	env, err := protocol.Envelope{
		Type:     protocol.KindModMessage,
		Mod:      "no_such_mod",
		SenderID: "alpha",
	}.WithPayload(map[string]string{"action": "anything"})
	if err != nil {
		t.Fatalf("payload: %s", err)
	}
	alpha.send(env)
	got := alpha.next()
	var body protocol.ErrorPayload
	if derr := got.DecodePayload(&body); derr != nil {
		t.Fatalf("error payload: %s", derr)
	}
	if body.ErrorKind != protocol.ErrUnknownMod {
		t.Errorf("expected unknown_mod, got %+v", body)
	}
}

func TestHeartbeatRequestIsAnswered(t *testing.T) {
	node := startNode(t, nil)
	alpha := node.connect(false)
	alpha.register("alpha", false)

	hb, err := protocol.Envelope{
		Type:      protocol.KindHeartbeat,
		SenderID:  "alpha",
		Timestamp: time.Now(),
	}.WithPayload(protocol.HeartbeatPayload{AgentID: "alpha"})
	if err != nil {
		t.Fatalf("payload: %s", err)
	}
	alpha.send(hb)

	got := alpha.next()
	if got.Type != protocol.KindHeartbeatResponse || got.TargetID != "alpha" {
		t.Errorf("heartbeat reply: %+v", got)
	}
}

func TestSilentPeerIsReaped(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	node := startNode(t, func(cfg *config.Config) {
		cfg.Network.HeartbeatInterval = 1
	})

	alpha := node.connect(true)
	alpha.register("alpha", false)
	beta := node.connect(false) // never replies to heartbeats
	beta.register("beta", false)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := node.net.Registry().Lookup("beta"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("silent peer was never reaped")
		}
		time.Sleep(100 * time.Millisecond)
	}

	// The live peer survives and sees a directory without beta.
	resp := alpha.request(protocol.CmdListAgents, nil)
	var agents protocol.ListAgentsResponse
	if err := resp.DecodePayload(&agents); err != nil {
		t.Fatalf("list_agents: %s", err)
	}
	if len(agents.Agents) != 1 || agents.Agents[0].AgentID != "alpha" {
		t.Errorf("directory after reap: %+v", agents.Agents)
	}
}
