package threadmsg

import (
	"encoding/base64"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"

	"github.com/agentmesh/agentmesh/pkg/network"
	"github.com/agentmesh/agentmesh/pkg/protocol"
	"github.com/agentmesh/agentmesh/pkg/transport"
)

// ModName is the name agents address thread-messaging envelopes to.
const ModName = "thread_messaging"

// Tool actions recognized in the payload's action field.
const (
	actionSendDirect      = "send_direct_message"
	actionSendChannel     = "send_channel_message"
	actionReply           = "reply_message"
	actionReaction        = "reaction"
	actionListChannels    = "list_channels"
	actionRetrieveChannel = "retrieve_channel_messages"
	actionRetrieveDirect  = "retrieve_direct_messages"
	actionFileUpload      = "file_upload_message"
)

// Notification actions pushed to agents that did not originate a request.
const (
	notifyDirect   = "direct_message_notification"
	notifyChannel  = "channel_message_notification"
	notifyReaction = "reaction_notification"
)

// request is the union of every tool's input fields.
type request struct {
	Action           string         `json:"action"`
	Channel          string         `json:"channel,omitempty"`
	TargetAgentID    string         `json:"target_agent_id,omitempty"`
	Content          MessageContent `json:"content,omitempty"`
	MentionedAgentID string         `json:"mentioned_agent_id,omitempty"`
	QuotedMessageID  string         `json:"quoted_message_id,omitempty"`
	ReplyToID        string         `json:"reply_to_id,omitempty"`
	TargetMessageID  string         `json:"target_message_id,omitempty"`
	ReactionType     string         `json:"reaction_type,omitempty"`
	ReactionAction   string         `json:"reaction_action,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	Offset           int            `json:"offset,omitempty"`
	IncludeThreads   bool           `json:"include_threads,omitempty"`
	FileName         string         `json:"file_name,omitempty"`
	FileData         string         `json:"file_data,omitempty"`
}

// response is the union of every tool's reply fields.
type response struct {
	Action     string              `json:"action"`
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	ErrorKind  protocol.ErrorKind  `json:"error_kind,omitempty"`
	Message    *MessageView        `json:"message,omitempty"`
	Messages   []MessageView       `json:"messages,omitempty"`
	Channels   []ChannelDescriptor `json:"channels,omitempty"`
	Reactions  map[string]int      `json:"reactions,omitempty"`
	Attachment *Attachment         `json:"attachment,omitempty"`
}

// notification is the body pushed to recipients of forwarded traffic.
type notification struct {
	Action    string         `json:"action"`
	Message   *MessageView   `json:"message,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Reaction  string         `json:"reaction,omitempty"`
	Toggle    string         `json:"toggle,omitempty"`
	By        string         `json:"by,omitempty"`
	Reactions map[string]int `json:"reactions,omitempty"`
}

// Mod implements threaded channel conversations, direct messages, nested
// replies, reactions and a file store on top of the orchestrator's routing
// contract.
type Mod struct {
	cfg       Config
	store     *Store
	files     *FileStore
	reactions mapset.Set[string]
	rt        network.Runtime
	log       *log.Entry
}

// New builds the mod from its raw config section.
func New(raw json.RawMessage) (*Mod, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Mod{
		cfg:       cfg,
		store:     NewStore(cfg.MaxMessageHistory, cfg.MaxThreadDepth),
		files:     NewFileStore(cfg.MaxFileSize, cfg.FileQuotaBytes),
		reactions: mapset.NewSet(cfg.SupportedReactions...),
		log:       log.WithFields(log.Fields{"component": "mod", "mod": ModName}),
	}, nil
}

// Name implements network.Mod.
func (m *Mod) Name() string { return ModName }

// OnStart creates the configured default channels.
func (m *Mod) OnStart(rt network.Runtime) error {
	m.rt = rt
	for _, ch := range m.cfg.DefaultChannels {
		m.store.CreateChannel(ch.Name, ch.Description)
	}
	return nil
}

// OnShutdown implements network.Mod.
func (m *Mod) OnShutdown() error { return nil }

// DirectoryUpdated keeps channel membership in step with the directory:
// every connected agent is a member of every channel.
func (m *Mod) DirectoryUpdated(agents []protocol.AgentInfo) {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.AgentID)
	}
	m.store.AutoJoin(names)
}

// SnapshotState implements network.Snapshotter.
func (m *Mod) SnapshotState() (string, interface{}) {
	state := m.store.Export()
	state["attachments"] = m.files.List()
	return ModName, state
}

// OnEnvelope dispatches one tool invocation. Failures are confined to this
// envelope: the host reports the returned error to the sender and the mod
// keeps serving.
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

	var (
		resp response
		err  error
	)
	switch req.Action {
	case actionSendDirect:
		resp, err = m.sendDirect(agentID, &req)
	case actionSendChannel:
		resp, err = m.sendChannel(agentID, &req)
	case actionReply:
		resp, err = m.reply(agentID, &req)
	case actionReaction:
		resp, err = m.react(agentID, &req)
	case actionListChannels:
		resp = response{Action: actionListChannels, Success: true, Channels: m.store.Channels()}
	case actionRetrieveChannel:
		resp, err = m.retrieveChannel(&req)
	case actionRetrieveDirect:
		resp = m.retrieveDirect(agentID, &req)
	case actionFileUpload:
		resp, err = m.fileUpload(agentID, &req)
	default:
		return protocol.Errorf(protocol.ErrInvalidPayload,
			"unrecognized action %q", req.Action)
	}
	if err != nil {
		return err
	}
	return m.respond(sender, env, resp)
}

func (m *Mod) sendDirect(agentID string, req *request) (response, error) {
	if req.TargetAgentID == "" {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload, "target_agent_id is required")
	}
	if !m.rt.HasAgent(req.TargetAgentID) {
		return response{}, protocol.Errorf(protocol.ErrTargetUnreachable,
			"agent %q is not registered", req.TargetAgentID)
	}

	msg, err := m.store.AddDirectMessage(agentID, req.TargetAgentID, req.Content, req.QuotedMessageID)
	if err != nil {
		return response{}, err
	}
	view := m.viewOf(msg)

	m.notifyAgent(req.TargetAgentID, notification{Action: notifyDirect, Message: &view})
	return response{Action: actionSendDirect, Success: true, Message: &view}, nil
}

func (m *Mod) sendChannel(agentID string, req *request) (response, error) {
	if req.Channel == "" {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload, "channel is required")
	}
	msg, err := m.store.AddRootMessage(req.Channel, agentID, req.Content,
		req.QuotedMessageID, req.MentionedAgentID, m.cfg.autoCreate())
	if err != nil {
		return response{}, err
	}
	view := m.viewOf(msg)

	m.fanOut(req.Channel, agentID, notification{Action: notifyChannel, Message: &view})
	return response{Action: actionSendChannel, Success: true, Message: &view}, nil
}

func (m *Mod) reply(agentID string, req *request) (response, error) {
	if req.ReplyToID == "" {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload, "reply_to_id is required")
	}
	msg, parent, err := m.store.AddReply(req.ReplyToID, agentID, req.Content, req.QuotedMessageID)
	if err != nil {
		return response{}, err
	}
	view := m.viewOf(msg)

	if parent.Channel != "" {
		m.fanOut(parent.Channel, agentID, notification{Action: notifyChannel, Message: &view})
	} else if msg.TargetID != "" && msg.TargetID != agentID {
		m.notifyAgent(msg.TargetID, notification{Action: notifyDirect, Message: &view})
	}
	return response{Action: actionReply, Success: true, Message: &view}, nil
}

func (m *Mod) react(agentID string, req *request) (response, error) {
	if !m.reactions.Contains(req.ReactionType) {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload,
			"unsupported reaction %q", req.ReactionType)
	}
	toggle := req.ReactionAction
	if toggle == "" {
		toggle = "add"
	}
	if toggle != "add" && toggle != "remove" {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload,
			"reaction_action must be add or remove, got %q", toggle)
	}

	author, counts, err := m.store.React(req.TargetMessageID, req.ReactionType, agentID, toggle == "add")
	if err != nil {
		return response{}, err
	}

	// Reactions notify the target message's author; the reactor gets the
	// response below.
	if author != agentID {
		m.notifyAgent(author, notification{
			Action:    notifyReaction,
			MessageID: req.TargetMessageID,
			Reaction:  req.ReactionType,
			Toggle:    toggle,
			By:        agentID,
			Reactions: counts,
		})
	}
	return response{Action: actionReaction, Success: true, Reactions: counts}, nil
}

func (m *Mod) retrieveChannel(req *request) (response, error) {
	views, err := m.store.RetrieveChannel(req.Channel, req.Limit, req.Offset, req.IncludeThreads)
	if err != nil {
		return response{}, err
	}
	return response{Action: actionRetrieveChannel, Success: true, Messages: views}, nil
}

func (m *Mod) retrieveDirect(agentID string, req *request) response {
	views := m.store.RetrieveDirect(agentID, req.TargetAgentID, req.Limit, req.Offset, req.IncludeThreads)
	return response{Action: actionRetrieveDirect, Success: true, Messages: views}
}

func (m *Mod) fileUpload(agentID string, req *request) (response, error) {
	if req.FileName == "" {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload, "file_name is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		return response{}, protocol.Errorf(protocol.ErrInvalidPayload,
			"file_data is not valid base64: %s", err)
	}
	att, err := m.files.Put(agentID, req.FileName, data)
	if err != nil {
		return response{}, err
	}
	if req.TargetMessageID != "" {
		if aerr := m.store.AttachFile(req.TargetMessageID, att.ID); aerr != nil {
			m.log.Debugf("attachment %s not linked: %s", att.ID, aerr)
		}
	}
	att.Data = nil
	return response{Action: actionFileUpload, Success: true, Attachment: &att}, nil
}

func (m *Mod) viewOf(msg Message) MessageView {
	return MessageView{
		Message: msg,
		ThreadInfo: ThreadInfo{
			IsRoot:        msg.ReplyToID == "",
			ThreadLevel:   msg.ThreadLevel,
			ChildrenCount: len(msg.ChildIDs),
		},
	}
}

// fanOut pushes a notification to every channel member except the sender.
// A failed forward only drops that recipient for this envelope; the store
// state stays committed.
func (m *Mod) fanOut(channel, sender string, body notification) {
	for _, member := range m.store.Members(channel) {
		if member == sender {
			continue
		}
		m.notifyAgent(member, body)
	}
}

func (m *Mod) notifyAgent(agentID string, body notification) {
	env, err := protocol.Envelope{
		Type:            protocol.KindModMessage,
		Mod:             ModName,
		Direction:       protocol.DirectionOutbound,
		SenderID:        m.rt.NodeID(),
		RelevantAgentID: agentID,
		Timestamp:       time.Now(),
	}.WithPayload(body)
	if err != nil {
		return
	}
	if serr := m.rt.SendToAgent(agentID, env); serr != nil {
		m.log.Debugf("forward to %q failed: %s", agentID, serr)
	}
}

func (m *Mod) respond(sender *transport.Peer, cause *protocol.Envelope, resp response) error {
	env, err := protocol.Envelope{
		Type:      protocol.KindModMessage,
		Mod:       ModName,
		Direction: protocol.DirectionOutbound,
		SenderID:  m.rt.NodeID(),
		RequestID: cause.RequestID,
		MessageID: m.rt.NextMessageID(),
		Timestamp: time.Now(),
	}.WithPayload(resp)
	if err != nil {
		return err
	}
	return sender.Send(env)
}
