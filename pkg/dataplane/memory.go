package dataplane

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Compile-time assertions.
var (
	_ Filter = (*MemoryFilter)(nil)
	_ Filter = (*MapFilter)(nil)
)

// MemoryFilter keeps rules in process memory. It is used when no eBPF
// backend is configured and by tests.
type MemoryFilter struct {
	mu     sync.Mutex
	nextID RuleID
	rules  map[RuleID]Rule
	deny   DenyState
}

// NewMemoryFilter returns an empty in-memory filter.
func NewMemoryFilter() *MemoryFilter {
	return &MemoryFilter{rules: make(map[RuleID]Rule)}
}

// AddAllowRule installs r and returns its id.
func (f *MemoryFilter) AddAllowRule(r Rule) (RuleID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.rules {
		if existing == r {
			return id, fmt.Errorf("allow rule %s already installed as %d", r, id)
		}
	}
	f.nextID++
	f.rules[f.nextID] = r
	slog.Debug("dataplane: allow rule added", "id", f.nextID, "rule", r.String())
	return f.nextID, nil
}

// RemoveAllowRule deletes the rule with the given id.
func (f *MemoryFilter) RemoveAllowRule(id RuleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return fmt.Errorf("allow rule %d not found", id)
	}
	delete(f.rules, id)
	return nil
}

// SetDenyRule installs, updates or removes the global deny rule.
func (f *MemoryFilter) SetDenyRule(enabled bool, untrusted PortMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled {
		f.deny = DenyState{Enabled: true, Untrusted: untrusted, Gratuitous: true}
	} else {
		f.deny = DenyState{}
	}
	return nil
}

// ClearAll removes every rule this filter owns.
func (f *MemoryFilter) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[RuleID]Rule)
	f.deny = DenyState{}
	return nil
}

// Close is a no-op.
func (f *MemoryFilter) Close() error { return nil }

// Rules returns the installed allow rules ordered by id.
func (f *MemoryFilter) Rules() []Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]RuleID, 0, len(f.rules))
	for id := range f.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.rules[id])
	}
	return out
}

// Deny returns the current deny rule state.
func (f *MemoryFilter) Deny() DenyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deny
}
