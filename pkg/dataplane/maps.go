package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
)

// Map names. When a pin directory is configured, the maps are pinned by
// name there so an XDP/TC program can share them.
const (
	mapAllowRules = "arp_allow_rules"
	mapDenyState  = "arp_deny_state"
)

const maxAllowRules = 1024

// AllowKey is the eBPF key of an allow rule (16 bytes, no padding).
type AllowKey struct {
	Port uint32
	VID  uint16
	MAC  [6]byte
	IP   [4]byte
}

// AllowValue is the eBPF value of an allow rule.
type AllowValue struct {
	RuleID uint32
}

// DenyValue is stored at index 0 of the deny-state array map.
type DenyValue struct {
	Enabled    uint8
	Gratuitous uint8
	Pad        [6]byte
	Untrusted  uint64
}

// MapFilter stores the ARP filter rules in eBPF maps.
type MapFilter struct {
	mu     sync.Mutex
	maps   map[string]*ebpf.Map
	nextID RuleID
	keys   map[RuleID]AllowKey
}

// NewMapFilter creates (or reopens, when pinned) the filter maps.
// An empty pinDir creates unpinned maps owned by this process. Pinned
// maps outlive the daemon, so whatever a previous run left in them is
// cleared; rule IDs are only meaningful to the process that issued them.
func NewMapFilter(pinDir string) (*MapFilter, error) {
	specs := []*ebpf.MapSpec{
		{
			Name:       mapAllowRules,
			Type:       ebpf.Hash,
			KeySize:    16,
			ValueSize:  4,
			MaxEntries: maxAllowRules,
		},
		{
			Name:       mapDenyState,
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  16,
			MaxEntries: 1,
		},
	}

	var opts ebpf.MapOptions
	if pinDir != "" {
		if err := os.MkdirAll(pinDir, 0755); err != nil {
			return nil, fmt.Errorf("create pin dir %s: %w", pinDir, err)
		}
		opts.PinPath = pinDir
	}

	f := &MapFilter{
		maps: make(map[string]*ebpf.Map),
		keys: make(map[RuleID]AllowKey),
	}
	for _, spec := range specs {
		if pinDir != "" {
			spec.Pinning = ebpf.PinByName
		}
		m, err := ebpf.NewMapWithOptions(spec, opts)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create map %s: %w", spec.Name, err)
		}
		f.maps[spec.Name] = m
	}
	if err := f.ClearAll(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reset filter maps: %w", err)
	}
	slog.Info("dataplane: filter maps ready",
		"pinned", pinDir != "", "path", filepath.Clean(pinDir))
	return f, nil
}

// AllowKeyFor converts a rule into its map key.
func AllowKeyFor(r Rule) AllowKey {
	k := AllowKey{Port: r.Port, VID: r.VID, MAC: r.MAC}
	if r.IP.Is4() {
		k.IP = r.IP.As4()
	}
	return k
}

// AddAllowRule writes an allow entry for r.
func (f *MapFilter) AddAllowRule(r Rule) (RuleID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	am, ok := f.maps[mapAllowRules]
	if !ok {
		return 0, fmt.Errorf("%s map not found", mapAllowRules)
	}
	f.nextID++
	id := f.nextID
	key := AllowKeyFor(r)
	if err := am.Update(key, AllowValue{RuleID: uint32(id)}, ebpf.UpdateNoExist); err != nil {
		return 0, fmt.Errorf("add allow rule %s: %w", r, err)
	}
	f.keys[id] = key
	return id, nil
}

// RemoveAllowRule deletes the allow entry installed as id.
func (f *MapFilter) RemoveAllowRule(id RuleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	am, ok := f.maps[mapAllowRules]
	if !ok {
		return fmt.Errorf("%s map not found", mapAllowRules)
	}
	key, ok := f.keys[id]
	if !ok {
		return fmt.Errorf("allow rule %d not found", id)
	}
	delete(f.keys, id)
	if err := am.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete allow rule %d: %w", id, err)
	}
	return nil
}

// SetDenyRule writes the deny state. Gratuitous ARP stays allowed
// whenever the deny rule is enabled.
func (f *MapFilter) SetDenyRule(enabled bool, untrusted PortMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dm, ok := f.maps[mapDenyState]
	if !ok {
		return fmt.Errorf("%s map not found", mapDenyState)
	}
	var val DenyValue
	if enabled {
		val = DenyValue{Enabled: 1, Gratuitous: 1, Untrusted: uint64(untrusted)}
	}
	return dm.Update(uint32(0), val, ebpf.UpdateAny)
}

// ClearAll removes every allow rule and disables the deny rule.
func (f *MapFilter) ClearAll() error {
	f.mu.Lock()
	am, ok := f.maps[mapAllowRules]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%s map not found", mapAllowRules)
	}
	var keys []AllowKey
	var key AllowKey
	var val AllowValue
	iter := am.Iterate()
	for iter.Next(&key, &val) {
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("iterate %s: %w", mapAllowRules, err)
	}
	for _, k := range keys {
		am.Delete(k)
	}
	f.keys = make(map[RuleID]AllowKey)
	f.mu.Unlock()

	return f.SetDenyRule(false, 0)
}

// Close releases the map file descriptors. Pinned maps stay in bpffs.
func (f *MapFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for name, m := range f.maps {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	f.maps = map[string]*ebpf.Map{}
	return firstErr
}
