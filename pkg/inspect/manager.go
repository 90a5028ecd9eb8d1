// Package inspect is the ARP inspection engine: the port/VLAN trust state,
// the ingress and egress checks run on every captured ARP frame, and the
// configuration entry points that maintain the binding database.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/stack"
)

// Options configures a Manager. Store, Stack and Topology are required.
type Options struct {
	Store    *binding.Store
	Filter   dataplane.Filter
	Stack    Stack
	Topology Topology
	Leases   LeaseSource
	Events   EventLog
	Persist  Persister
}

// Stats are cumulative engine counters.
type Stats struct {
	Accepted  uint64
	Trusted   uint64
	Rejected  map[string]uint64 // by reason
	Forwarded uint64            // transmit calls, one per unit
	TxErrors  uint64
	Logged    uint64
}

// Manager owns the inspection configuration and runs the engine.
//
// mu guards the trust state only. The binding store has its own lock;
// the two are never held together.
type Manager struct {
	store   *binding.Store
	filter  dataplane.Filter
	stack   Stack
	topo    Topology
	leases  LeaseSource
	events  EventLog
	persist Persister

	mu      sync.RWMutex
	enabled bool
	ports   map[PortRef]PortConfig
	vlans   map[uint16]VLANConfig

	feedMu      sync.Mutex
	leaseCancel func()

	accepted  atomic.Uint64
	trusted   atomic.Uint64
	forwarded atomic.Uint64
	txErrors  atomic.Uint64
	logged    atomic.Uint64
	rejectMu  sync.Mutex
	rejected  map[string]uint64
}

// NewManager creates a manager with inspection disabled everywhere.
func NewManager(opts Options) *Manager {
	return &Manager{
		store:    opts.Store,
		filter:   opts.Filter,
		stack:    opts.Stack,
		topo:     opts.Topology,
		leases:   opts.Leases,
		events:   opts.Events,
		persist:  opts.Persist,
		ports:    make(map[PortRef]PortConfig),
		vlans:    make(map[uint16]VLANConfig),
		rejected: make(map[string]uint64),
	}
}

// Store returns the binding store.
func (m *Manager) Store() *binding.Store { return m.store }

func (m *Manager) checkPrimary() error {
	if !m.stack.IsPrimary() {
		return ErrNotPrimary
	}
	return nil
}

func (m *Manager) checkPort(switchID, port int) error {
	if !m.topo.Configurable(switchID) {
		return fmt.Errorf("switch %d: %w", switchID, ErrSwitchNotConfigurable)
	}
	if port < 0 || port >= m.topo.PortCount(switchID) {
		return fmt.Errorf("%w: port %d/%d out of range", ErrInvalidParameter, switchID, port)
	}
	return nil
}

// Mode reports whether inspection is enabled globally.
func (m *Manager) Mode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetMode enables or disables inspection. Enabling imports the current
// DHCP leases as dynamic bindings and follows the lease feed; disabling
// stops the feed and drops every dynamic binding.
func (m *Manager) SetMode(ctx context.Context, enabled bool) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	m.mu.Lock()
	changed := m.enabled != enabled
	m.enabled = enabled
	m.mu.Unlock()
	if !changed {
		return nil
	}
	slog.Info("inspect: mode changed", "enabled", enabled)

	if enabled {
		m.startLeaseFeed()
	} else {
		m.stopLeaseFeed()
		if n := m.store.Clear(binding.Dynamic); n > 0 {
			slog.Info("inspect: dynamic bindings cleared", "count", n)
		}
	}
	m.propagate(ctx)
	m.updateFilter()
	return m.SaveState()
}

// PortConfig returns the configuration of a port.
func (m *Manager) PortConfig(switchID, port int) (PortConfig, error) {
	if err := m.checkPrimary(); err != nil {
		return PortConfig{}, err
	}
	if err := m.checkPort(switchID, port); err != nil {
		return PortConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ports[PortRef{switchID, port}], nil
}

// SetPortConfig changes the configuration of a port. Turning inspection
// off on a port removes its dynamic bindings.
func (m *Manager) SetPortConfig(ctx context.Context, switchID, port int, cfg PortConfig) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if err := m.checkPort(switchID, port); err != nil {
		return err
	}
	if !cfg.Log.valid() {
		return fmt.Errorf("%w: log mode %d", ErrInvalidParameter, cfg.Log)
	}

	ref := PortRef{switchID, port}
	m.mu.RLock()
	old := m.ports[ref]
	m.mu.RUnlock()
	if old == cfg {
		return nil
	}
	if old.Enabled && !cfg.Enabled {
		if n := m.store.ClearPort(binding.Dynamic, switchID, port); n > 0 {
			slog.Info("inspect: port disabled, dynamic bindings flushed", "port", ref.String(), "count", n)
		}
	}

	m.mu.Lock()
	if cfg == (PortConfig{}) {
		delete(m.ports, ref)
	} else {
		m.ports[ref] = cfg
	}
	m.mu.Unlock()

	m.propagate(ctx)
	m.updateFilter()
	return m.SaveState()
}

func validVID(vid uint16) error {
	if vid < 1 || vid > 4095 {
		return fmt.Errorf("%w: vlan %d", ErrInvalidParameter, vid)
	}
	return nil
}

// VLANConfig returns the configuration of a VLAN.
func (m *Manager) VLANConfig(vid uint16) (VLANConfig, error) {
	if err := m.checkPrimary(); err != nil {
		return VLANConfig{}, err
	}
	if err := validVID(vid); err != nil {
		return VLANConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vlans[vid], nil
}

// SetVLANConfig changes the configuration of a VLAN.
func (m *Manager) SetVLANConfig(vid uint16, cfg VLANConfig) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if err := validVID(vid); err != nil {
		return err
	}
	if !cfg.Log.valid() {
		return fmt.Errorf("%w: log mode %d", ErrInvalidParameter, cfg.Log)
	}
	m.mu.Lock()
	if cfg == (VLANConfig{}) {
		delete(m.vlans, vid)
	} else {
		m.vlans[vid] = cfg
	}
	m.mu.Unlock()
	return m.SaveState()
}

// DeleteVLANConfig resets a VLAN to the default configuration.
func (m *Manager) DeleteVLANConfig(vid uint16) error {
	return m.SetVLANConfig(vid, VLANConfig{})
}

// NextVLAN returns the first checked VLAN after vid; vid 0 returns the
// first checked VLAN.
func (m *Manager) NextVLAN(vid uint16) (uint16, VLANConfig, error) {
	if err := m.checkPrimary(); err != nil {
		return 0, VLANConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best uint16
	for v, cfg := range m.vlans {
		if !cfg.Checked || v <= vid {
			continue
		}
		if best == 0 || v < best {
			best = v
		}
	}
	if best == 0 {
		return 0, VLANConfig{}, binding.ErrNotFound
	}
	return best, m.vlans[best], nil
}

// AddStatic adds an operator binding. A key already learned from DHCP is
// promoted to static instead.
func (m *Manager) AddStatic(k binding.Key) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if err := m.checkPort(k.SwitchID, k.Port); err != nil {
		return err
	}
	if err := ValidateKey(k); err != nil {
		return err
	}

	if kind, ok := m.store.Lookup(k); ok {
		if kind == binding.Static {
			return fmt.Errorf("static %s: %w", k, binding.ErrAlreadyExists)
		}
		if err := m.store.Promote(k); err != nil {
			return fmt.Errorf("promote %s: %w", k, err)
		}
		slog.Info("inspect: dynamic binding promoted", "key", k.String())
		return m.SaveState()
	}
	if err := m.store.Add(binding.Static, binding.Binding{Key: k}); err != nil {
		return fmt.Errorf("add static %s: %w", k, err)
	}
	return m.SaveState()
}

// DeleteStatic removes an operator binding.
func (m *Manager) DeleteStatic(k binding.Key) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if !m.topo.Configurable(k.SwitchID) {
		return fmt.Errorf("switch %d: %w", k.SwitchID, ErrSwitchNotConfigurable)
	}
	if err := m.store.Remove(binding.Static, k); err != nil {
		return fmt.Errorf("delete static %s: %w", k, err)
	}
	return m.SaveState()
}

// ClearStatic removes every operator binding and returns how many were
// removed.
func (m *Manager) ClearStatic() (int, error) {
	if err := m.checkPrimary(); err != nil {
		return 0, err
	}
	n := m.store.Clear(binding.Static)
	return n, m.SaveState()
}

// GetStatic looks up a static binding. With next it returns the binding
// after k; a zero VLAN returns the first binding.
func (m *Manager) GetStatic(k binding.Key, next bool) (binding.Binding, error) {
	return m.get(binding.Static, k, next)
}

// GetDynamic is GetStatic for learned bindings.
func (m *Manager) GetDynamic(k binding.Key, next bool) (binding.Binding, error) {
	return m.get(binding.Dynamic, k, next)
}

func (m *Manager) get(kind binding.Kind, k binding.Key, next bool) (binding.Binding, error) {
	if err := m.checkPrimary(); err != nil {
		return binding.Binding{}, err
	}
	switch {
	case next:
		return m.store.Next(kind, k)
	case k.VID == 0:
		return m.store.First(kind)
	default:
		return m.store.Get(kind, k)
	}
}

// portInspected reports whether learned bindings are kept for a port.
func (m *Manager) portInspected(switchID, port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled && m.ports[PortRef{switchID, port}].Enabled
}

// AddDynamic adds a learned binding. It is a no-op while inspection is
// off globally or on the binding's port.
func (m *Manager) AddDynamic(k binding.Key) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if !m.topo.Exists(k.SwitchID) {
		return fmt.Errorf("switch %d: %w", k.SwitchID, ErrSwitchUnknown)
	}
	if !m.portInspected(k.SwitchID, k.Port) {
		return nil
	}
	if err := ValidateKey(k); err != nil {
		return err
	}
	if err := m.store.Add(binding.Dynamic, binding.Binding{Key: k}); err != nil {
		return fmt.Errorf("add dynamic %s: %w", k, err)
	}
	return nil
}

// DeleteDynamic removes a learned binding, with the same gating as
// AddDynamic.
func (m *Manager) DeleteDynamic(k binding.Key) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if !m.topo.Exists(k.SwitchID) {
		return fmt.Errorf("switch %d: %w", k.SwitchID, ErrSwitchUnknown)
	}
	if !m.portInspected(k.SwitchID, k.Port) {
		return nil
	}
	if err := m.store.Remove(binding.Dynamic, k); err != nil {
		return fmt.Errorf("delete dynamic %s: %w", k, err)
	}
	return nil
}

// TranslateAll turns every learned binding into a static one.
func (m *Manager) TranslateAll() (int, error) {
	if err := m.checkPrimary(); err != nil {
		return 0, err
	}
	n, err := m.store.PromoteAll()
	if n > 0 {
		if serr := m.SaveState(); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return n, fmt.Errorf("translate dynamic bindings: %w", err)
	}
	return n, nil
}

// Translate turns one learned binding into a static one.
func (m *Manager) Translate(k binding.Key) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	if err := m.store.Promote(k); err != nil {
		return fmt.Errorf("translate %s: %w", k, err)
	}
	return m.SaveState()
}

// propagate pushes the mode table to every unit. Failures are logged; the
// local change stands.
func (m *Manager) propagate(ctx context.Context) {
	if err := m.stack.PropagateConf(ctx); err != nil {
		slog.Warn("inspect: configuration propagation failed", "err", err)
	}
}

// ConfFor returns the ConfSet payload for a unit.
func (m *Manager) ConfFor(unit int) stack.Conf {
	n := m.topo.PortCount(unit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := stack.Conf{Enabled: m.enabled, Ports: make([]stack.PortConf, n)}
	for p := 0; p < n; p++ {
		pc := m.ports[PortRef{unit, p}]
		c.Ports[p] = stack.PortConf{Enabled: pc.Enabled, CheckVLAN: pc.CheckVLAN, Log: uint8(pc.Log)}
	}
	return c
}

// updateFilter mirrors the global mode and the set of inspected ports
// into the packet filter. Only ports of the local unit are in the mask.
func (m *Manager) updateFilter() {
	if m.filter == nil {
		return
	}
	local := m.stack.LocalUnit()
	m.mu.RLock()
	enabled := m.enabled
	var mask dataplane.PortMask
	for ref, pc := range m.ports {
		// The filter only sees this unit's ports.
		if pc.Enabled && ref.SwitchID == local {
			mask = mask.Set(uint32(ref.Port))
		}
	}
	m.mu.RUnlock()
	if err := m.filter.SetDenyRule(enabled, mask); err != nil {
		slog.Warn("inspect: failed to update deny rule", "err", err)
	}
}

// Ports returns a copy of the non-default port configurations.
func (m *Manager) Ports() map[PortRef]PortConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[PortRef]PortConfig, len(m.ports))
	for k, v := range m.ports {
		out[k] = v
	}
	return out
}

func sortedRefs(ports map[PortRef]PortConfig) []PortRef {
	refs := make([]PortRef, 0, len(ports))
	for r := range ports {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SwitchID != refs[j].SwitchID {
			return refs[i].SwitchID < refs[j].SwitchID
		}
		return refs[i].Port < refs[j].Port
	})
	return refs
}

// Stats returns a snapshot of the engine counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Accepted:  m.accepted.Load(),
		Trusted:   m.trusted.Load(),
		Forwarded: m.forwarded.Load(),
		TxErrors:  m.txErrors.Load(),
		Logged:    m.logged.Load(),
		Rejected:  make(map[string]uint64),
	}
	m.rejectMu.Lock()
	for k, v := range m.rejected {
		st.Rejected[k] = v
	}
	m.rejectMu.Unlock()
	return st
}

func (m *Manager) countReject(reason string) {
	m.rejectMu.Lock()
	m.rejected[reason]++
	m.rejectMu.Unlock()
}

// isNotFound reports whether err is a store miss.
func isNotFound(err error) bool { return errors.Is(err, binding.ErrNotFound) }
