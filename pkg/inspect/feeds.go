package inspect

import (
	"errors"
	"log/slog"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
)

func leaseKey(l dhcpsnoop.Lease) binding.Key {
	return binding.Key{SwitchID: l.SwitchID, Port: l.Port, VID: l.VID, MAC: binding.MAC(l.MAC), IP: l.IP}
}

// HandleLease applies one DHCP snooping event.
func (m *Manager) HandleLease(ev dhcpsnoop.Event) {
	k := leaseKey(ev.Lease)
	var err error
	if ev.Kind == dhcpsnoop.Assigned {
		err = m.AddDynamic(k)
	} else {
		err = m.DeleteDynamic(k)
	}
	switch {
	case err == nil, isNotFound(err), errors.Is(err, ErrNotPrimary):
	case errors.Is(err, binding.ErrTableFull):
		slog.Warn("inspect: lease dropped, binding table full", "key", k.String())
	default:
		slog.Debug("inspect: lease not applied", "kind", ev.Kind.String(), "key", k.String(), "err", err)
	}
}

// startLeaseFeed imports the current leases and subscribes to changes.
func (m *Manager) startLeaseFeed() {
	if m.leases == nil || !m.stack.IsPrimary() {
		return
	}
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if m.leaseCancel != nil {
		return
	}
	n := 0
	for _, l := range m.leases.Leases() {
		if err := m.AddDynamic(leaseKey(l)); err == nil {
			n++
		}
	}
	m.leaseCancel = m.leases.Subscribe(m.HandleLease)
	slog.Info("inspect: following DHCP leases", "imported", n)
}

func (m *Manager) stopLeaseFeed() {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if m.leaseCancel != nil {
		m.leaseCancel()
		m.leaseCancel = nil
	}
}

// HandleLink applies a link state change. Link loss on a port removes its
// dynamic bindings.
func (m *Manager) HandleLink(switchID, port int, up bool) {
	if up || !m.stack.IsPrimary() || !m.topo.Exists(switchID) {
		return
	}
	if n := m.store.ClearPort(binding.Dynamic, switchID, port); n > 0 {
		slog.Info("inspect: link down, dynamic bindings flushed", "switch", switchID, "port", port, "count", n)
	}
}

// SwitchRemoved drops the dynamic bindings of a unit that left the stack.
func (m *Manager) SwitchRemoved(switchID int) {
	if !m.stack.IsPrimary() {
		return
	}
	if n := m.store.ClearSwitch(binding.Dynamic, switchID); n > 0 {
		slog.Info("inspect: switch removed, dynamic bindings flushed", "switch", switchID, "count", n)
	}
}
