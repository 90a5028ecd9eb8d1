// Package configstore persists the ARP inspection configuration: global
// mode, per-port and per-VLAN modes and the static binding table.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// State is the persisted inspection configuration.
type State struct {
	Enabled bool          `yaml:"enabled"`
	Ports   []PortState   `yaml:"ports,omitempty"`
	VLANs   []VLANState   `yaml:"vlans,omitempty"`
	Static  []StaticEntry `yaml:"static,omitempty"`
}

// PortState is the configuration of one (switch, port).
type PortState struct {
	SwitchID  int    `yaml:"switch"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
	CheckVLAN bool   `yaml:"check-vlan,omitempty"`
	Log       string `yaml:"log,omitempty"`
}

// VLANState is the configuration of one VLAN.
type VLANState struct {
	VID     uint16 `yaml:"vid"`
	Checked bool   `yaml:"checked"`
	Log     string `yaml:"log,omitempty"`
}

// StaticEntry is one operator-configured binding.
type StaticEntry struct {
	SwitchID int    `yaml:"switch"`
	Port     int    `yaml:"port"`
	VID      uint16 `yaml:"vid"`
	MAC      string `yaml:"mac"`
	IP       string `yaml:"ip"`
}

// Store reads and writes State to a YAML file. Writes are atomic.
type Store struct {
	mu       sync.Mutex
	filePath string
	capacity int // maximum static entries accepted on load, 0 for no limit
	saves    uint64
}

// New creates a store backed by filePath.
func New(filePath string, capacity int) *Store {
	return &Store{filePath: filePath, capacity: capacity}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.filePath }

// Load reads the state file. A missing file yields an empty State.
// Static entries beyond the capacity are discarded.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st State
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil // start with empty config
		}
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", s.filePath, err)
	}
	if s.capacity > 0 && len(st.Static) > s.capacity {
		st.Static = st.Static[:s.capacity]
	}
	return st, nil
}

// Save writes st to a temp file in the same directory and renames it over
// the state file.
func (s *Store) Save(st State) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".arpinspect-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *Store) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
