package threadmsg

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// MessageContent is the typed body of a thread message.
type MessageContent struct {
	Text string `json:"text,omitempty"`
}

// Message is one stored message record. IDs are server-assigned UUIDs.
type Message struct {
	ID              string         `json:"message_id"`
	SenderID        string         `json:"sender_id"`
	TargetID        string         `json:"target_agent_id,omitempty"`
	Channel         string         `json:"channel,omitempty"`
	Content         MessageContent `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
	ThreadLevel     int            `json:"thread_level"`
	QuotedMessageID string         `json:"quoted_message_id,omitempty"`
	QuotedExcerpt   string         `json:"quoted_excerpt,omitempty"`
	Reactions       map[string]int `json:"reactions,omitempty"`
	AttachmentIDs   []string       `json:"attachment_ids,omitempty"`
	ChildIDs        []string       `json:"child_ids,omitempty"`
}

// ThreadInfo rides on every retrieved record so clients can rebuild the
// tree without extra lookups.
type ThreadInfo struct {
	IsRoot        bool `json:"is_root"`
	ThreadLevel   int  `json:"thread_level"`
	ChildrenCount int  `json:"children_count"`
}

// MessageView is a retrieval result: the record plus its thread position.
type MessageView struct {
	Message
	ThreadInfo ThreadInfo `json:"thread_info"`
}

// ChannelDescriptor summarizes a channel for list_channels.
type ChannelDescriptor struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	MemberCount  int    `json:"member_count"`
	MessageCount int    `json:"message_count"`
	ThreadCount  int    `json:"thread_count"`
}

type record struct {
	msg       Message
	reactions map[string]mapset.Set[string]
}

type channelState struct {
	name        string
	description string
	members     mapset.Set[string]
	roots       []string // ordered oldest first; the eviction unit is a root plus its subtree
	total       int
}

type dmKey struct{ a, b string }

func pairKey(x, y string) dmKey {
	if x > y {
		x, y = y, x
	}
	return dmKey{a: x, b: y}
}

type dmConversation struct {
	roots []string // level-0 message ids, ordered oldest first
}

// Store exclusively owns the thread-messaging state: channels, messages, DM
// conversations and reactions. All operations are atomic per call; readers
// never observe a partial update.
type Store struct {
	mu         sync.RWMutex
	channels   map[string]*channelState
	messages   map[string]*record
	dms        map[dmKey]*dmConversation
	historyCap int
	maxDepth   int
}

// NewStore builds an empty store with the given per-channel root cap and
// maximum thread depth.
func NewStore(historyCap, maxDepth int) *Store {
	if historyCap <= 0 {
		historyCap = 5000
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &Store{
		channels:   map[string]*channelState{},
		messages:   map[string]*record{},
		dms:        map[dmKey]*dmConversation{},
		historyCap: historyCap,
		maxDepth:   maxDepth,
	}
}

// CreateChannel registers a channel; creating an existing channel only
// updates an empty description.
func (s *Store) CreateChannel(name, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureChannelLocked(name, description)
}

func (s *Store) ensureChannelLocked(name, description string) *channelState {
	ch, ok := s.channels[name]
	if !ok {
		ch = &channelState{
			name:        name,
			description: description,
			members:     mapset.NewSet[string](),
		}
		s.channels[name] = ch
	} else if ch.description == "" && description != "" {
		ch.description = description
	}
	return ch
}

// HasChannel reports whether the channel exists.
func (s *Store) HasChannel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// AutoJoin makes every listed agent a member of every channel. Called from
// directory updates so all connected agents see channel traffic.
func (s *Store) AutoJoin(agents []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		for _, a := range agents {
			ch.members.Add(a)
		}
	}
}

// Members returns the channel's membership set.
func (s *Store) Members(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channel]
	if !ok {
		return nil
	}
	return ch.members.ToSlice()
}

// Channels returns descriptors for every channel, sorted by name.
func (s *Store) Channels() []ChannelDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelDescriptor, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ChannelDescriptor{
			Name:         ch.name,
			Description:  ch.description,
			MemberCount:  ch.members.Cardinality(),
			MessageCount: ch.total,
			ThreadCount:  len(ch.roots),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddRootMessage validates and commits one channel root, evicting the
// oldest threads past the history cap. The returned message carries the
// assigned id and timestamp.
func (s *Store) AddRootMessage(channel, sender string, content MessageContent, quotedID, mentioned string, autoCreate bool) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		if !autoCreate {
			return Message{}, protocol.Errorf(protocol.ErrChannelMissing,
				"channel %q does not exist", channel)
		}
		ch = s.ensureChannelLocked(channel, "")
	}

	msg := Message{
		ID:        uuid.NewString(),
		SenderID:  sender,
		TargetID:  mentioned,
		Channel:   channel,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.applyQuoteLocked(&msg, quotedID)

	s.messages[msg.ID] = &record{msg: msg, reactions: map[string]mapset.Set[string]{}}
	ch.roots = append(ch.roots, msg.ID)
	ch.total++
	ch.members.Add(sender)
	s.evictLocked(ch)
	return msg, nil
}

// AddReply validates the parent, computes the thread level, and commits the
// reply. Nothing is mutated on a failed validation.
func (s *Store) AddReply(replyToID, sender string, content MessageContent, quotedID string) (Message, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[replyToID]
	if !ok {
		return Message{}, Message{}, protocol.Errorf(protocol.ErrParentMissing,
			"message %q does not exist", replyToID)
	}
	level := parent.msg.ThreadLevel + 1
	if level > s.maxDepth {
		return Message{}, Message{}, protocol.Errorf(protocol.ErrDepthExceeded,
			"reply would be at depth %d, limit %d", level, s.maxDepth)
	}

	msg := Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		TargetID:    parent.msg.TargetID,
		Channel:     parent.msg.Channel,
		Content:     content,
		Timestamp:   time.Now(),
		ReplyToID:   replyToID,
		ThreadLevel: level,
	}
	if parent.msg.Channel == "" {
		// DM reply: the counterpart is whichever end of the parent the
		// sender is not.
		if parent.msg.SenderID != sender {
			msg.TargetID = parent.msg.SenderID
		}
	}
	s.applyQuoteLocked(&msg, quotedID)

	s.messages[msg.ID] = &record{msg: msg, reactions: map[string]mapset.Set[string]{}}
	// Inserts happen under the store lock with timestamps taken here, so
	// append order is creation order.
	parent.msg.ChildIDs = append(parent.msg.ChildIDs, msg.ID)
	if ch, ok := s.channels[parent.msg.Channel]; ok && parent.msg.Channel != "" {
		ch.total++
		ch.members.Add(sender)
	}
	return msg, parent.msg, nil
}

// AddDirectMessage commits one level-0 DM between sender and target.
func (s *Store) AddDirectMessage(sender, target string, content MessageContent, quotedID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		SenderID:  sender,
		TargetID:  target,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.applyQuoteLocked(&msg, quotedID)

	s.messages[msg.ID] = &record{msg: msg, reactions: map[string]mapset.Set[string]{}}
	key := pairKey(sender, target)
	conv, ok := s.dms[key]
	if !ok {
		conv = &dmConversation{}
		s.dms[key] = conv
	}
	conv.roots = append(conv.roots, msg.ID)
	return msg, nil
}

func (s *Store) applyQuoteLocked(msg *Message, quotedID string) {
	if quotedID == "" {
		return
	}
	msg.QuotedMessageID = quotedID
	if quoted, ok := s.messages[quotedID]; ok {
		excerpt := quoted.msg.Content.Text
		if len(excerpt) > 120 {
			excerpt = excerpt[:120]
		}
		msg.QuotedExcerpt = excerpt
	}
}

// React toggles one (message, reaction, agent) edge. Adds are idempotent;
// removing an absent reaction is a no-op. Returns the message author and
// the updated counts.
func (s *Store) React(messageID, reaction, agent string, add bool) (string, map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[messageID]
	if !ok {
		return "", nil, protocol.Errorf(protocol.ErrParentMissing,
			"message %q does not exist", messageID)
	}
	set, ok := rec.reactions[reaction]
	if !ok {
		set = mapset.NewSet[string]()
		rec.reactions[reaction] = set
	}
	if add {
		set.Add(agent)
	} else {
		set.Remove(agent)
	}
	if set.Cardinality() == 0 {
		delete(rec.reactions, reaction)
	}

	counts := map[string]int{}
	for r, agents := range rec.reactions {
		counts[r] = agents.Cardinality()
	}
	rec.msg.Reactions = counts
	return rec.msg.SenderID, counts, nil
}

// AttachFile records an attachment id on an existing message.
func (s *Store) AttachFile(messageID, attachmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return protocol.Errorf(protocol.ErrParentMissing, "message %q does not exist", messageID)
	}
	rec.msg.AttachmentIDs = append(rec.msg.AttachmentIDs, attachmentID)
	return nil
}

// Message returns a copy of the record with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return rec.msg, true
}

// RetrieveChannel returns the limit newest roots after offset, each
// followed by its subtree in pre-order when includeThreads is set.
func (s *Store) RetrieveChannel(channel string, limit, offset int, includeThreads bool) ([]MessageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channel]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrChannelMissing, "channel %q does not exist", channel)
	}
	return s.retrieveLocked(ch.roots, limit, offset, includeThreads), nil
}

// RetrieveDirect returns the newest messages of the pair's conversation
// after offset, with thread reconstruction.
func (s *Store) RetrieveDirect(a, b string, limit, offset int, includeThreads bool) []MessageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.dms[pairKey(a, b)]
	if !ok {
		return []MessageView{}
	}
	return s.retrieveLocked(conv.roots, limit, offset, includeThreads)
}

// retrieveLocked walks the selected roots newest first, emitting each root
// and (optionally) its descendants depth-first in pre-order, children in
// creation order.
func (s *Store) retrieveLocked(roots []string, limit, offset int, includeThreads bool) []MessageView {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	out := []MessageView{}
	emitted := 0
	for i := len(roots) - 1 - offset; i >= 0 && emitted < limit; i-- {
		rec, ok := s.messages[roots[i]]
		if !ok {
			continue
		}
		emitted++
		out = append(out, s.viewLocked(rec))
		if includeThreads {
			out = s.walkChildrenLocked(rec, out)
		}
	}
	return out
}

func (s *Store) walkChildrenLocked(rec *record, out []MessageView) []MessageView {
	for _, childID := range rec.msg.ChildIDs {
		child, ok := s.messages[childID]
		if !ok {
			continue
		}
		out = append(out, s.viewLocked(child))
		out = s.walkChildrenLocked(child, out)
	}
	return out
}

func (s *Store) viewLocked(rec *record) MessageView {
	return MessageView{
		Message: rec.msg,
		ThreadInfo: ThreadInfo{
			IsRoot:        rec.msg.ReplyToID == "",
			ThreadLevel:   rec.msg.ThreadLevel,
			ChildrenCount: len(rec.msg.ChildIDs),
		},
	}
}

// evictLocked drops the oldest roots, each together with its whole
// subtree, until the channel is back under its cap. Evicted ids never
// come back from retrieval and reactions against them fail.
func (s *Store) evictLocked(ch *channelState) {
	for len(ch.roots) > s.historyCap {
		rootID := ch.roots[0]
		ch.roots = ch.roots[1:]
		removed := s.removeSubtreeLocked(rootID)
		ch.total -= removed
		if ch.total < 0 {
			ch.total = 0
		}
	}
}

func (s *Store) removeSubtreeLocked(id string) int {
	rec, ok := s.messages[id]
	if !ok {
		return 0
	}
	removed := 1
	for _, childID := range rec.msg.ChildIDs {
		removed += s.removeSubtreeLocked(childID)
	}
	delete(s.messages, id)
	return removed
}

// Export produces the snapshot form of the store.
func (s *Store) Export() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, 0, len(s.messages))
	for _, rec := range s.messages {
		msgs = append(msgs, rec.msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	channels := make([]ChannelDescriptor, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ChannelDescriptor{
			Name:         ch.name,
			Description:  ch.description,
			MemberCount:  ch.members.Cardinality(),
			MessageCount: ch.total,
			ThreadCount:  len(ch.roots),
		})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return map[string]interface{}{
		"channels": channels,
		"messages": msgs,
	}
}
