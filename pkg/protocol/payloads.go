package protocol

import "time"

// AgentInfo is one directory entry as it appears on the wire.
type AgentInfo struct {
	AgentID      string            `json:"agent_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	HomeNodeID   string            `json:"home_node_id,omitempty"`
}

// RegisterAgentRequest is the payload of a register_agent system request.
type RegisterAgentRequest struct {
	AgentID        string            `json:"agent_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	ForceReconnect bool              `json:"force_reconnect,omitempty"`
}

// RegisterAgentResponse is the payload of the matching system response.
type RegisterAgentResponse struct {
	Success     bool      `json:"success"`
	NetworkName string    `json:"network_name,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
}

// ListAgentsResponse carries a directory snapshot.
type ListAgentsResponse struct {
	Success bool        `json:"success"`
	Agents  []AgentInfo `json:"agents"`
}

// ListModsResponse carries the names of the enabled mods.
type ListModsResponse struct {
	Success bool     `json:"success"`
	Mods    []string `json:"mods"`
}

// NetworkInfo describes a node to its peers.
type NetworkInfo struct {
	Name       string   `json:"name"`
	NodeID     string   `json:"node_id"`
	Mode       string   `json:"mode"`
	Mods       []string `json:"mods"`
	AgentCount int      `json:"agent_count"`
}

// NetworkInfoResponse is the payload of a get_network_info response.
type NetworkInfoResponse struct {
	Success     bool        `json:"success"`
	NetworkInfo NetworkInfo `json:"network_info"`
}

// StatusResponse is the generic success/error payload used by commands with
// no command-specific fields.
type StatusResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// ErrorPayload is the body of a standalone error envelope.
type ErrorPayload struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Error     string    `json:"error"`
}

// HeartbeatPayload rides on heartbeat and heartbeat_response envelopes.
type HeartbeatPayload struct {
	AgentID string `json:"agent_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
}
