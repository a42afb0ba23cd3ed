package network

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentmesh/agentmesh/pkg/protocol"
)

// snapshot is the single-file node state written on clean shutdown.
type snapshot struct {
	NodeID    string                     `json:"node_id"`
	Network   string                     `json:"network"`
	WrittenAt time.Time                  `json:"written_at"`
	Agents    []protocol.AgentInfo       `json:"agents"`
	Mods      map[string]json.RawMessage `json:"mods,omitempty"`
}

// writeSnapshot collects registry and mod state and writes it atomically:
// temp file in the target directory, then rename.
func (n *Network) writeSnapshot(path string) error {
	snap := snapshot{
		NodeID:    n.cfg.Network.NodeID,
		Network:   n.cfg.Network.Name,
		WrittenAt: time.Now(),
		Agents:    n.registry.Snapshot(),
		Mods:      map[string]json.RawMessage{},
	}
	for _, mod := range n.mods {
		s, ok := mod.(Snapshotter)
		if !ok {
			continue
		}
		name, state := s.SnapshotState()
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling %q state: %w", name, err)
		}
		snap.Mods[name] = raw
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
