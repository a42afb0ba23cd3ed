package threadmsg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// fakeRuntime satisfies network.Runtime without a running node.
type fakeRuntime struct {
	mu      sync.Mutex
	agents  map[transport.Handle]string
	present map[string]bool
	sent    []sentEnvelope
	ids     protocol.MessageIDSource
}

type sentEnvelope struct {
	agentID string
	env     *protocol.Envelope
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{agents: map[transport.Handle]string{}, present: map[string]bool{}}
}

func (f *fakeRuntime) NodeID() string        { return "node-test" }
func (f *fakeRuntime) NetworkName() string   { return "testnet" }
func (f *fakeRuntime) NextMessageID() uint64 { return f.ids.Next() }

func (f *fakeRuntime) AgentFor(h transport.Handle) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.agents[h]
	return id, ok
}

func (f *fakeRuntime) HasAgent(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[agentID]
}

func (f *fakeRuntime) SendToAgent(agentID string, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.present[agentID] {
		return protocol.Errorf(protocol.ErrTargetUnreachable, "no route to %q", agentID)
	}
	f.sent = append(f.sent, sentEnvelope{agentID: agentID, env: env})
	return nil
}

func (f *fakeRuntime) Broadcast(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{agentID: "", env: env})
	return nil
}

func (f *fakeRuntime) DiscoverAgents([]string) ([]protocol.AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []protocol.AgentInfo{}
	for id := range f.present {
		out = append(out, protocol.AgentInfo{AgentID: id})
	}
	return out, nil
}

func (f *fakeRuntime) sentTo(agentID string) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*protocol.Envelope{}
	for _, s := range f.sent {
		if s.agentID == agentID {
			out = append(out, s.env)
		}
	}
	return out
}

type nopHandler struct{}

func (nopHandler) HandlePeer(*transport.Peer)                         {}
func (nopHandler) HandleEnvelope(*transport.Peer, *protocol.Envelope) {}
func (nopHandler) HandlePeerClosed(*transport.Peer, error)            {}

type agentEnd struct {
	envs chan *protocol.Envelope
}

func (agentEnd) HandlePeer(*transport.Peer)              {}
func (agentEnd) HandlePeerClosed(*transport.Peer, error) {}
func (a agentEnd) HandleEnvelope(_ *transport.Peer, env *protocol.Envelope) {
	a.envs <- env
}

// modHarness wires a Mod to a fake runtime and one registered sender peer
// whose responses are observable.
type modHarness struct {
	mod    *Mod
	rt     *fakeRuntime
	sender *transport.Peer
	agent  agentEnd
}

func newModHarness(t *testing.T, rawCfg string) *modHarness {
	t.Helper()
	var raw json.RawMessage
	if rawCfg != "" {
		raw = json.RawMessage(rawCfg)
	}
	mod, err := New(raw)
	require.NoError(t, err)

	rt := newFakeRuntime()
	require.NoError(t, mod.OnStart(rt))

	fabric := transport.NewFabric()
	agent := agentEnd{envs: make(chan *protocol.Envelope, 64)}
	lis := transport.NewInMemory(agent, fabric, transport.Options{})
	require.NoError(t, lis.Listen("agent"))
	t.Cleanup(func() { lis.Shutdown(context.Background()) })

	modSide := transport.NewInMemory(nopHandler{}, fabric, transport.Options{})
	sender, err := modSide.Dial(context.Background(), "agent", nil)
	require.NoError(t, err)
	t.Cleanup(func() { modSide.Shutdown(context.Background()) })

	rt.agents[sender.Handle()] = "alpha"
	rt.present["alpha"] = true
	return &modHarness{mod: mod, rt: rt, sender: sender, agent: agent}
}

func (h *modHarness) invoke(t *testing.T, req request) response {
	t.Helper()
	env, err := protocol.Envelope{
		Type:      protocol.KindModMessage,
		Mod:       ModName,
		Direction: protocol.DirectionInbound,
		SenderID:  "alpha",
		RequestID: "req-1",
	}.WithPayload(req)
	require.NoError(t, err)
	require.NoError(t, h.mod.OnEnvelope(h.sender, env))

	select {
	case out := <-h.agent.envs:
		var resp response
		require.NoError(t, out.DecodePayload(&resp))
		require.Equal(t, "req-1", out.RequestID)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response envelope")
		return response{}
	}
}

func (h *modHarness) invokeErr(t *testing.T, req request) error {
	t.Helper()
	env, err := protocol.Envelope{
		Type:     protocol.KindModMessage,
		Mod:      ModName,
		SenderID: "alpha",
	}.WithPayload(req)
	require.NoError(t, err)
	return h.mod.OnEnvelope(h.sender, env)
}

func TestSendDirectMessageForwardsToTarget(t *testing.T) {
	h := newModHarness(t, "")
	h.rt.present["beta"] = true

	resp := h.invoke(t, request{
		Action:        actionSendDirect,
		TargetAgentID: "beta",
		Content:       MessageContent{Text: "hi"},
	})
	require.True(t, resp.Success)
	require.NotNil(t, resp.Message)
	require.Equal(t, 0, resp.Message.ThreadLevel)

	forwarded := h.rt.sentTo("beta")
	require.Len(t, forwarded, 1)
	var notif notification
	require.NoError(t, forwarded[0].DecodePayload(&notif))
	require.Equal(t, notifyDirect, notif.Action)
	require.Equal(t, "hi", notif.Message.Content.Text)
	require.Equal(t, "alpha", notif.Message.SenderID)
	require.Equal(t, 0, notif.Message.ThreadInfo.ThreadLevel)
}

func TestSendDirectMessageToUnknownTarget(t *testing.T) {
	h := newModHarness(t, "")
	err := h.invokeErr(t, request{
		Action:        actionSendDirect,
		TargetAgentID: "ghost",
		Content:       MessageContent{Text: "hi"},
	})
	require.True(t, protocol.IsKind(err, protocol.ErrTargetUnreachable))
}

func TestUnregisteredSenderIsRejected(t *testing.T) {
	h := newModHarness(t, "")
	delete(h.rt.agents, h.sender.Handle())
	err := h.invokeErr(t, request{Action: actionListChannels})
	require.True(t, protocol.IsKind(err, protocol.ErrNotRegistered))
}

func TestChannelMessageFansOutToMembers(t *testing.T) {
	h := newModHarness(t, `{"default_channels":[{"name":"dev","description":"eng"}]}`)
	h.rt.present["beta"] = true
	h.rt.present["gamma"] = true
	h.mod.DirectoryUpdated([]protocol.AgentInfo{
		{AgentID: "alpha"}, {AgentID: "beta"}, {AgentID: "gamma"},
	})

	resp := h.invoke(t, request{
		Action:  actionSendChannel,
		Channel: "dev",
		Content: MessageContent{Text: "ship it"},
	})
	require.True(t, resp.Success)

	require.Len(t, h.rt.sentTo("beta"), 1)
	require.Len(t, h.rt.sentTo("gamma"), 1)
	require.Empty(t, h.rt.sentTo("alpha"), "sender must not receive its own fan-out")
}

func TestChannelMissingWithoutAutoCreate(t *testing.T) {
	h := newModHarness(t, `{"auto_create_channels":false}`)
	err := h.invokeErr(t, request{
		Action:  actionSendChannel,
		Channel: "nope",
		Content: MessageContent{Text: "?"},
	})
	require.True(t, protocol.IsKind(err, protocol.ErrChannelMissing))
}

func TestReplyDepthErrorSurfacesOnWire(t *testing.T) {
	h := newModHarness(t, "")
	resp := h.invoke(t, request{
		Action:  actionSendChannel,
		Channel: "dev",
		Content: MessageContent{Text: "root"},
	})
	id := resp.Message.ID
	for level := 1; level <= 5; level++ {
		r := h.invoke(t, request{Action: actionReply, ReplyToID: id, Content: MessageContent{Text: "r"}})
		require.True(t, r.Success)
		id = r.Message.ID
	}
	err := h.invokeErr(t, request{Action: actionReply, ReplyToID: id, Content: MessageContent{Text: "deep"}})
	require.True(t, protocol.IsKind(err, protocol.ErrDepthExceeded))
}

func TestReactionNotifiesAuthorOnly(t *testing.T) {
	h := newModHarness(t, "")
	h.rt.present["beta"] = true

	// beta posts via the store directly; alpha reacts through the wire.
	msg, err := h.mod.store.AddRootMessage("dev", "beta", MessageContent{Text: "post"}, "", "", true)
	require.NoError(t, err)

	resp := h.invoke(t, request{
		Action:          actionReaction,
		TargetMessageID: msg.ID,
		ReactionType:    "like",
		ReactionAction:  "add",
	})
	require.True(t, resp.Success)
	require.Equal(t, map[string]int{"like": 1}, resp.Reactions)

	notifs := h.rt.sentTo("beta")
	require.Len(t, notifs, 1)
	var notif notification
	require.NoError(t, notifs[0].DecodePayload(&notif))
	require.Equal(t, notifyReaction, notif.Action)
	require.Equal(t, "alpha", notif.By)
}

func TestReactionValidation(t *testing.T) {
	h := newModHarness(t, "")
	err := h.invokeErr(t, request{
		Action:          actionReaction,
		TargetMessageID: "whatever",
		ReactionType:    "eyeroll-spin",
	})
	require.True(t, protocol.IsKind(err, protocol.ErrInvalidPayload))
}

func TestListChannelsReportsDescriptors(t *testing.T) {
	h := newModHarness(t, `{"default_channels":["general","random"]}`)
	resp := h.invoke(t, request{Action: actionListChannels})
	require.True(t, resp.Success)
	require.Len(t, resp.Channels, 2)
	require.Equal(t, "general", resp.Channels[0].Name)
}

func TestRetrieveChannelMessagesOverWire(t *testing.T) {
	h := newModHarness(t, "")
	root := h.invoke(t, request{Action: actionSendChannel, Channel: "dev", Content: MessageContent{Text: "Q?"}})
	reply := h.invoke(t, request{Action: actionReply, ReplyToID: root.Message.ID, Content: MessageContent{Text: "A1"}})

	resp := h.invoke(t, request{
		Action:         actionRetrieveChannel,
		Channel:        "dev",
		Limit:          10,
		IncludeThreads: true,
	})
	require.True(t, resp.Success)
	require.Len(t, resp.Messages, 2)
	require.Equal(t, root.Message.ID, resp.Messages[0].ID)
	require.Equal(t, reply.Message.ID, resp.Messages[1].ID)
	require.Equal(t, 1, resp.Messages[0].ThreadInfo.ChildrenCount)
}

func TestFileUploadRoundTrip(t *testing.T) {
	h := newModHarness(t, "")
	data := base64.StdEncoding.EncodeToString([]byte("attachment body"))
	resp := h.invoke(t, request{
		Action:   actionFileUpload,
		FileName: "report.txt",
		FileData: data,
	})
	require.True(t, resp.Success)
	require.NotNil(t, resp.Attachment)
	require.Equal(t, 15, resp.Attachment.Size)

	stored, ok := h.mod.files.Get(resp.Attachment.ID)
	require.True(t, ok)
	require.Equal(t, "alpha", stored.OwnerID)
}

func TestFileUploadRejections(t *testing.T) {
	h := newModHarness(t, `{"max_file_size":8}`)

	err := h.invokeErr(t, request{Action: actionFileUpload, FileName: "x.bin", FileData: "!!!not-base64!!!"})
	require.True(t, protocol.IsKind(err, protocol.ErrInvalidPayload))

	big := base64.StdEncoding.EncodeToString(make([]byte, 64))
	err = h.invokeErr(t, request{Action: actionFileUpload, FileName: "x.bin", FileData: big})
	require.True(t, protocol.IsKind(err, protocol.ErrPayloadTooLarge))
}
