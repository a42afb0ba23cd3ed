package protocol

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Kind discriminates the envelope variants carried on the wire. The zero
// value is invalid; decoders reject envelopes without a recognized kind.
type Kind string

const (
	KindSystemRequest     Kind = "system_request"
	KindSystemResponse    Kind = "system_response"
	KindHeartbeat         Kind = "heartbeat"
	KindHeartbeatResponse Kind = "heartbeat_response"
	KindDirect            Kind = "message"
	KindBroadcast         Kind = "broadcast"
	KindModMessage        Kind = "mod_message"
)

// Direction of a mod message relative to the mod that handles it.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// System commands recognized by the orchestrator.
const (
	CmdRegisterAgent   = "register_agent"
	CmdUnregisterAgent = "unregister_agent"
	CmdListAgents      = "list_agents"
	CmdListMods        = "list_mods"
	CmdGetNetworkInfo  = "get_network_info"
)

// Envelope is the unit the transport carries. Envelopes are self-contained:
// intermediate routers may set RelevantAgentID as a delivery hint but must
// never mutate Payload.
type Envelope struct {
	Type            Kind            `json:"type"`
	SenderID        string          `json:"sender_id,omitempty"`
	TargetID        string          `json:"target_id,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	Mod             string          `json:"mod,omitempty"`
	Direction       string          `json:"direction,omitempty"`
	RelevantAgentID string          `json:"relevant_agent_id,omitempty"`
	Command         string          `json:"command,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	MessageID       uint64          `json:"message_id,omitempty"`
	Hops            int             `json:"hops,omitempty"`
	Timestamp       time.Time       `json:"timestamp,omitempty"`
	Payload         json.RawMessage `json:"content,omitempty"`
}

// IsValid reports whether the envelope carries a recognized kind.
func (e *Envelope) IsValid() bool {
	switch e.Type {
	case KindSystemRequest, KindSystemResponse, KindHeartbeat,
		KindHeartbeatResponse, KindDirect, KindBroadcast, KindModMessage:
		return true
	}
	return false
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return Errorf(ErrInvalidPayload, "envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return Errorf(ErrInvalidPayload, "malformed payload: %s", err)
	}
	return nil
}

// WithPayload returns a shallow copy of the envelope carrying the marshaled
// payload. Marshal failures of local types are programming errors.
func (e Envelope) WithPayload(v interface{}) (*Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(ErrInvalidPayload, "marshaling payload: %s", err)
	}
	e.Payload = raw
	return &e, nil
}

// MessageIDSource hands out the server-assigned, monotonically increasing
// envelope ids. The zero value is ready to use.
type MessageIDSource struct {
	last uint64
}

// Next returns the next id. Safe for concurrent callers.
func (s *MessageIDSource) Next() uint64 {
	return atomic.AddUint64(&s.last, 1)
}
