package topology

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

func newMeshUnderTest(t *testing.T) (*Decentralized, *transport.Fabric) {
	t.Helper()
	cfg := &config.Network{
		NodeID:            "node-a",
		Host:              "127.0.0.1",
		Port:              1,
		DiscoveryEnabled:  false,
		DiscoveryInterval: 1,
		ConnectionTimeout: 1,
		RetryAttempts:     1,
	}
	fabric := transport.NewFabric()
	tr := transport.NewInMemory(newCaptureHandler(), fabric, transport.Options{})
	d := NewDecentralized(cfg, registry.New(cfg.NodeID), tr)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d, fabric
}

// dialNodePeer gives the mesh a live peer to a fake remote node and returns
// the remote node's capture handler.
func dialNodePeer(t *testing.T, d *Decentralized, fabric *transport.Fabric, nodeID string) *captureHandler {
	t.Helper()
	remote := newCaptureHandler()
	lis := transport.NewInMemory(remote, fabric, transport.Options{})
	if err := lis.Listen(nodeID); err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() { lis.Shutdown(context.Background()) })

	peer, err := d.transport.Dial(context.Background(), nodeID, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	d.adoptNodePeer(peer, nodeID)
	return remote
}

func TestMergePrefersNewestTimestamp(t *testing.T) {
	d, _ := newMeshUnderTest(t)

	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	d.merge(NodeAnnounce{NodeID: "node-b", Agents: []protocol.AgentInfo{
		{AgentID: "alpha", LastSeen: newer, HomeNodeID: "node-b"},
	}})
	d.merge(NodeAnnounce{NodeID: "node-c", Agents: []protocol.AgentInfo{
		{AgentID: "alpha", LastSeen: older, HomeNodeID: "node-c"},
	}})

	agents, _ := d.DiscoverAgents(nil)
	if len(agents) != 1 {
		t.Fatalf("directory has %d entries, want 1", len(agents))
	}
	if agents[0].HomeNodeID != "node-b" {
		t.Errorf("older announce won: %+v", agents[0])
	}
}

func TestMergeTieBreaksOnHomeNode(t *testing.T) {
	d, _ := newMeshUnderTest(t)

	seen := time.Now().Truncate(time.Second)
	d.merge(NodeAnnounce{NodeID: "node-b", Agents: []protocol.AgentInfo{
		{AgentID: "alpha", LastSeen: seen, HomeNodeID: "node-b"},
	}})
	d.merge(NodeAnnounce{NodeID: "node-c", Agents: []protocol.AgentInfo{
		{AgentID: "alpha", LastSeen: seen, HomeNodeID: "node-c"},
	}})

	agents, _ := d.DiscoverAgents(nil)
	if len(agents) != 1 || agents[0].HomeNodeID != "node-c" {
		t.Errorf("tiebreak did not pick the larger node id: %+v", agents)
	}
}

func TestMergeSkipsLocalAgents(t *testing.T) {
	d, fabric := newMeshUnderTest(t)

	lis := transport.NewInMemory(newCaptureHandler(), fabric, transport.Options{})
	if err := lis.Listen("agents"); err != nil {
		t.Fatalf("listen: %s", err)
	}
	peer, err := d.transport.Dial(context.Background(), "agents", nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	if err := d.RegisterAgent(peer, protocol.RegisterAgentRequest{AgentID: "alpha"}); err != nil {
		t.Fatalf("register: %s", err)
	}

	d.merge(NodeAnnounce{NodeID: "node-b", Agents: []protocol.AgentInfo{
		{AgentID: "alpha", LastSeen: time.Now().Add(time.Hour), HomeNodeID: "node-b"},
	}})

	agents, _ := d.DiscoverAgents(nil)
	if len(agents) != 1 || agents[0].HomeNodeID != "node-a" {
		t.Errorf("remote announce displaced the local binding: %+v", agents)
	}
}

func TestRouteForwardsToAttributedHomeNode(t *testing.T) {
	d, fabric := newMeshUnderTest(t)
	remote := dialNodePeer(t, d, fabric, "node-b")

	d.merge(NodeAnnounce{NodeID: "node-b", Agents: []protocol.AgentInfo{
		{AgentID: "beta", LastSeen: time.Now(), HomeNodeID: "node-b"},
	}})

	env := &protocol.Envelope{Type: protocol.KindDirect, SenderID: "alpha", TargetID: "beta"}
	result, err := d.Route(nil, env)
	if err != nil || result != Delivered {
		t.Fatalf("route: (%v, %v)", result, err)
	}

	got := remote.nextEnvelope(t)
	if got.TargetID != "beta" || got.Hops != 1 || got.RelevantAgentID != "beta" {
		t.Errorf("forwarded envelope: %+v", got)
	}
}

func TestRouteQueuesUnknownTargetAndFlushesOnDiscovery(t *testing.T) {
	d, fabric := newMeshUnderTest(t)
	remote := dialNodePeer(t, d, fabric, "node-b")

	env := &protocol.Envelope{Type: protocol.KindDirect, SenderID: "alpha", TargetID: "ghost"}
	result, err := d.Route(nil, env)
	if err != nil || result != Queued {
		t.Fatalf("route: (%v, %v)", result, err)
	}

	// The mesh should have asked its peers where ghost lives.
	query := remote.nextEnvelope(t)
	if query.Command != CmdFindAgent {
		t.Fatalf("expected find_agent query, got %+v", query)
	}

	// A found reply flushes the queued envelope toward the answering node.
	reply, perr := protocol.Envelope{
		Type:      protocol.KindSystemResponse,
		Command:   CmdFindAgent,
		SenderID:  "node-b",
		RequestID: query.RequestID,
	}.WithPayload(FindAgentReply{NodeID: "node-b", AgentID: "ghost", Found: true})
	if perr != nil {
		t.Fatalf("payload: %s", perr)
	}
	if !d.HandleSystemResponse(nil, reply) {
		t.Fatal("reply was not consumed")
	}

	forwarded := remote.nextEnvelope(t)
	if forwarded.TargetID != "ghost" || forwarded.Hops != 1 {
		t.Errorf("flushed envelope: %+v", forwarded)
	}
}

func TestRouteDropsAfterMaxHops(t *testing.T) {
	d, _ := newMeshUnderTest(t)

	env := &protocol.Envelope{
		Type:     protocol.KindDirect,
		SenderID: "alpha",
		TargetID: "ghost",
		Hops:     maxForwardHops,
	}
	result, err := d.Route(nil, env)
	if result != NotFound || !protocol.IsKind(err, protocol.ErrTargetUnreachable) {
		t.Fatalf("got (%v, %v)", result, err)
	}
}

func TestAnnounceRequestIsAnsweredWithDigest(t *testing.T) {
	d, fabric := newMeshUnderTest(t)

	// A remote node dials us and announces itself.
	remote := newCaptureHandler()
	local := newCaptureHandler()
	lis := transport.NewInMemory(local, fabric, transport.Options{})
	if err := lis.Listen("node-a"); err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() { lis.Shutdown(context.Background()) })
	remoteTr := transport.NewInMemory(remote, fabric, transport.Options{})
	if _, err := remoteTr.Dial(context.Background(), "node-a", nil); err != nil {
		t.Fatalf("dial: %s", err)
	}
	inboundPeer := <-local.peers

	req, perr := protocol.Envelope{
		Type:      protocol.KindSystemRequest,
		Command:   CmdAnnounce,
		SenderID:  "node-b",
		RequestID: "r-1",
	}.WithPayload(NodeAnnounce{NodeID: "node-b", Agents: []protocol.AgentInfo{
		{AgentID: "beta", LastSeen: time.Now(), HomeNodeID: "node-b"},
	}})
	if perr != nil {
		t.Fatalf("payload: %s", perr)
	}
	if !d.HandleSystemRequest(inboundPeer, req) {
		t.Fatal("announce was not consumed")
	}

	resp := remote.nextEnvelope(t)
	if resp.Type != protocol.KindSystemResponse || resp.Command != CmdAnnounce || resp.RequestID != "r-1" {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	var digest NodeAnnounce
	if err := resp.DecodePayload(&digest); err != nil {
		t.Fatalf("digest: %s", err)
	}
	if digest.NodeID != "node-a" {
		t.Errorf("digest from wrong node: %+v", digest)
	}

	agents, _ := d.DiscoverAgents(nil)
	if len(agents) != 1 || agents[0].AgentID != "beta" {
		t.Errorf("announce was not merged: %+v", agents)
	}
}
