package threadmsg

import (
	"encoding/json"
	"fmt"
)

// defaultReactions is the predefined reaction set used when the config
// does not override it.
var defaultReactions = []string{"like", "heart", "laugh", "surprised", "sad", "angry", "thumbsup", "thumbsdown"}

// ChannelDecl declares one default channel. In YAML it may be a bare name
// or a {name, description} object.
type ChannelDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts both the string and the object form.
func (c *ChannelDecl) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		c.Name = name
		return nil
	}
	type alias ChannelDecl
	var obj alias
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	*c = ChannelDecl(obj)
	return nil
}

// Config is the thread-messaging section of the mods configuration.
type Config struct {
	DefaultChannels    []ChannelDecl `json:"default_channels,omitempty"`
	MaxFileSize        int           `json:"max_file_size,omitempty"`
	FileQuotaBytes     int           `json:"file_quota_bytes,omitempty"`
	MaxThreadDepth     int           `json:"max_thread_depth,omitempty"`
	MaxMessageHistory  int           `json:"max_message_history,omitempty"`
	SupportedReactions []string      `json:"supported_reactions,omitempty"`
	AutoCreateChannels *bool         `json:"auto_create_channels,omitempty"`
}

// ParseConfig decodes the raw mod config, applying defaults.
func ParseConfig(raw json.RawMessage) (Config, error) {
	cfg := Config{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing thread messaging config: %w", err)
		}
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if cfg.MaxThreadDepth <= 0 {
		cfg.MaxThreadDepth = 5
	}
	if cfg.MaxMessageHistory <= 0 {
		cfg.MaxMessageHistory = 5000
	}
	if len(cfg.SupportedReactions) == 0 {
		cfg.SupportedReactions = defaultReactions
	}
	return cfg, nil
}

func (c *Config) autoCreate() bool {
	if c.AutoCreateChannels == nil {
		return true
	}
	return *c.AutoCreateChannels
}
