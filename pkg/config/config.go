package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// Network modes.
const (
	ModeCentralized   = "centralized"
	ModeDecentralized = "decentralized"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
)

// Encryption envelope types.
const (
	EncryptionTLS   = "tls"
	EncryptionNoise = "noise"
)

// Config is the root of the node's YAML configuration document.
type Config struct {
	Network Network `json:"network"`
	Mods    []Mod   `json:"mods,omitempty"`
}

// Network holds the node-level settings.
type Network struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	NodeID    string `json:"node_id,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Transport string `json:"transport,omitempty"`

	// Coordinator address for centralized client nodes; empty means this
	// node is the coordinator.
	CoordinatorURL string `json:"coordinator_url,omitempty"`

	BootstrapNodes []string `json:"bootstrap_nodes,omitempty"`

	EncryptionEnabled bool   `json:"encryption_enabled,omitempty"`
	EncryptionType    string `json:"encryption_type,omitempty"`
	TLSCertFile       string `json:"tls_cert_file,omitempty"`
	TLSKeyFile        string `json:"tls_key_file,omitempty"`

	DiscoveryEnabled  bool `json:"discovery_enabled,omitempty"`
	DiscoveryInterval int  `json:"discovery_interval,omitempty"`

	MaxConnections    int `json:"max_connections,omitempty"`
	ConnectionTimeout int `json:"connection_timeout,omitempty"`
	HeartbeatInterval int `json:"heartbeat_interval,omitempty"`
	RetryAttempts     int `json:"retry_attempts,omitempty"`

	MaxEnvelopeSize int `json:"max_envelope_size,omitempty"`
	OutboundQueue   int `json:"outbound_queue,omitempty"`
}

// Mod enables one mod and carries its opaque per-mod configuration, decoded
// by the mod itself.
type Mod struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Load reads and validates the YAML config at path, filling defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML config document, fills defaults and validates.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	n := &c.Network
	if n.Name == "" {
		n.Name = "agentmesh"
	}
	if n.Mode == "" {
		n.Mode = ModeCentralized
	}
	if n.NodeID == "" {
		n.NodeID = uuid.NewString()
		log.Debugf("no node_id configured, generated %s", n.NodeID)
	}
	if n.Host == "" {
		n.Host = "127.0.0.1"
	}
	if n.Port == 0 {
		n.Port = 8570
	}
	if n.Transport == "" {
		n.Transport = TransportWebSocket
	}
	if n.DiscoveryInterval == 0 {
		n.DiscoveryInterval = 5
	}
	if n.MaxConnections == 0 {
		n.MaxConnections = 500
	}
	if n.ConnectionTimeout == 0 {
		n.ConnectionTimeout = 30
	}
	if n.HeartbeatInterval == 0 {
		n.HeartbeatInterval = 30
	}
	if n.RetryAttempts == 0 {
		n.RetryAttempts = 3
	}
	if n.MaxEnvelopeSize == 0 {
		n.MaxEnvelopeSize = 10 << 20
	}
	if n.OutboundQueue == 0 {
		n.OutboundQueue = 1024
	}
	if n.EncryptionEnabled && n.EncryptionType == "" {
		n.EncryptionType = EncryptionTLS
	}
}

// Validate rejects settings the node cannot honor.
func (c *Config) Validate() error {
	n := &c.Network
	switch n.Mode {
	case ModeCentralized, ModeDecentralized:
	default:
		return fmt.Errorf("unknown network mode %q", n.Mode)
	}
	switch n.Transport {
	case TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", n.Transport)
	}
	if n.EncryptionEnabled {
		switch n.EncryptionType {
		case EncryptionTLS:
			if n.TLSCertFile == "" || n.TLSKeyFile == "" {
				return fmt.Errorf("tls encryption requires tls_cert_file and tls_key_file")
			}
		case EncryptionNoise:
			return fmt.Errorf("encryption_type %q is not implemented", n.EncryptionType)
		default:
			return fmt.Errorf("unknown encryption_type %q", n.EncryptionType)
		}
	}
	if n.Mode == ModeDecentralized && n.DiscoveryEnabled && len(n.BootstrapNodes) == 0 {
		log.Warnf("discovery enabled with no bootstrap_nodes; node starts isolated")
	}
	seen := map[string]struct{}{}
	for _, m := range c.Mods {
		if m.Name == "" {
			return fmt.Errorf("mod with empty name")
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("duplicate mod %q", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// EnabledMods returns the enabled mod declarations in declaration order.
func (c *Config) EnabledMods() []Mod {
	out := make([]Mod, 0, len(c.Mods))
	for _, m := range c.Mods {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Duration helpers: intervals are configured in whole seconds.

func (n *Network) HeartbeatPeriod() time.Duration {
	return time.Duration(n.HeartbeatInterval) * time.Second
}

func (n *Network) DiscoveryPeriod() time.Duration {
	return time.Duration(n.DiscoveryInterval) * time.Second
}

func (n *Network) DialTimeout() time.Duration {
	return time.Duration(n.ConnectionTimeout) * time.Second
}

// ListenAddr is the host:port the node binds.
func (n *Network) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}
