package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/configstore"
)

// LoadConfig replaces the configuration with st, typically the persisted
// state read when the stack topology is loaded. The static table is
// rebuilt from st; entries that fail validation are skipped and logged.
func (m *Manager) LoadConfig(ctx context.Context, st configstore.State) error {
	ports := make(map[PortRef]PortConfig, len(st.Ports))
	for _, p := range st.Ports {
		mode, err := ParseLogMode(p.Log)
		if err != nil {
			return fmt.Errorf("port %d/%d: %w", p.SwitchID, p.Port, err)
		}
		cfg := PortConfig{Enabled: p.Enabled, CheckVLAN: p.CheckVLAN, Log: mode}
		if cfg != (PortConfig{}) {
			ports[PortRef{p.SwitchID, p.Port}] = cfg
		}
	}
	vlans := make(map[uint16]VLANConfig, len(st.VLANs))
	for _, v := range st.VLANs {
		if err := validVID(v.VID); err != nil {
			return err
		}
		mode, err := ParseLogMode(v.Log)
		if err != nil {
			return fmt.Errorf("vlan %d: %w", v.VID, err)
		}
		cfg := VLANConfig{Checked: v.Checked, Log: mode}
		if cfg != (VLANConfig{}) {
			vlans[v.VID] = cfg
		}
	}

	m.mu.Lock()
	m.enabled = st.Enabled
	m.ports = ports
	m.vlans = vlans
	m.mu.Unlock()

	m.store.Clear(binding.Static)
	loaded := 0
	for _, e := range st.Static {
		k, err := staticKey(e)
		if err == nil {
			err = ValidateKey(k)
		}
		if err == nil {
			err = m.store.Add(binding.Static, binding.Binding{Key: k})
		}
		if err != nil {
			slog.Warn("inspect: persisted static entry skipped", "switch", e.SwitchID, "port", e.Port,
				"vid", e.VID, "mac", e.MAC, "ip", e.IP, "err", err)
			continue
		}
		loaded++
	}
	slog.Info("inspect: configuration loaded", "enabled", st.Enabled, "ports", len(ports),
		"vlans", len(vlans), "static", loaded)

	if st.Enabled {
		m.startLeaseFeed()
	} else {
		m.stopLeaseFeed()
		m.store.Clear(binding.Dynamic)
	}
	if m.stack.IsPrimary() {
		m.propagate(ctx)
	}
	m.updateFilter()
	return nil
}

func staticKey(e configstore.StaticEntry) (binding.Key, error) {
	mac, err := binding.ParseMAC(e.MAC)
	if err != nil {
		return binding.Key{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	ip, err := netip.ParseAddr(e.IP)
	if err != nil {
		return binding.Key{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return binding.Key{SwitchID: e.SwitchID, Port: e.Port, VID: e.VID, MAC: mac, IP: ip}, nil
}

// State returns the persistable configuration.
func (m *Manager) State() configstore.State {
	m.mu.RLock()
	st := configstore.State{Enabled: m.enabled}
	for _, ref := range sortedRefs(m.ports) {
		pc := m.ports[ref]
		st.Ports = append(st.Ports, configstore.PortState{
			SwitchID:  ref.SwitchID,
			Port:      ref.Port,
			Enabled:   pc.Enabled,
			CheckVLAN: pc.CheckVLAN,
			Log:       logName(pc.Log),
		})
	}
	vids := make([]uint16, 0, len(m.vlans))
	for v := range m.vlans {
		vids = append(vids, v)
	}
	sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })
	for _, v := range vids {
		vc := m.vlans[v]
		st.VLANs = append(st.VLANs, configstore.VLANState{VID: v, Checked: vc.Checked, Log: logName(vc.Log)})
	}
	m.mu.RUnlock()

	for _, b := range m.store.Snapshot(binding.Static) {
		st.Static = append(st.Static, configstore.StaticEntry{
			SwitchID: b.SwitchID,
			Port:     b.Port,
			VID:      b.VID,
			MAC:      b.MAC.String(),
			IP:       b.IP.String(),
		})
	}
	return st
}

func logName(m LogMode) string {
	if m == LogNone {
		return ""
	}
	return m.String()
}

// SaveState persists the current configuration.
func (m *Manager) SaveState() error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist.Save(m.State()); err != nil {
		return fmt.Errorf("save inspection state: %w", err)
	}
	return nil
}

// ResetToDefaults disables inspection, resets every port and VLAN to the
// default and clears both binding sets.
func (m *Manager) ResetToDefaults(ctx context.Context) error {
	if err := m.checkPrimary(); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = false
	m.ports = make(map[PortRef]PortConfig)
	m.vlans = make(map[uint16]VLANConfig)
	m.mu.Unlock()

	m.stopLeaseFeed()
	m.store.Clear(binding.Dynamic)
	m.store.Clear(binding.Static)
	if m.filter != nil {
		if err := m.filter.ClearAll(); err != nil {
			slog.Warn("inspect: failed to clear filter rules", "err", err)
		}
	}
	slog.Info("inspect: configuration reset to defaults")

	m.propagate(ctx)
	m.updateFilter()
	return m.SaveState()
}
