package dataplane

import (
	"net/netip"
	"testing"
)

func TestPortMask(t *testing.T) {
	var m PortMask
	m = m.Set(1).Set(3).Set(64)
	if !m.Has(1) || !m.Has(3) {
		t.Fatalf("mask %s missing ports 1 or 3", m)
	}
	if m.Has(2) || m.Has(64) {
		t.Errorf("mask %s has unexpected ports", m)
	}
	if got := m.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := m.String(); got != "0b1010" {
		t.Errorf("String() = %q, want %q", got, "0b1010")
	}
}

func TestAllowKeyFor(t *testing.T) {
	r := Rule{
		Port: 7,
		VID:  10,
		MAC:  [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01},
		IP:   netip.MustParseAddr("10.0.0.5"),
	}
	k := AllowKeyFor(r)
	if k.Port != 7 || k.VID != 10 {
		t.Errorf("port/vid = %d/%d, want 7/10", k.Port, k.VID)
	}
	if k.IP != [4]byte{10, 0, 0, 5} {
		t.Errorf("IP = %v, want 10.0.0.5", k.IP)
	}
	if k.MAC != r.MAC {
		t.Errorf("MAC = %v, want %v", k.MAC, r.MAC)
	}
}

func TestMemoryFilterRules(t *testing.T) {
	f := NewMemoryFilter()
	r := Rule{Port: 1, VID: 1, MAC: [6]byte{0, 1, 2, 3, 4, 5}, IP: netip.MustParseAddr("192.168.1.2")}

	id, err := f.AddAllowRule(r)
	if err != nil {
		t.Fatalf("AddAllowRule: %v", err)
	}
	if id == 0 {
		t.Fatal("AddAllowRule returned zero id")
	}
	if _, err := f.AddAllowRule(r); err == nil {
		t.Error("duplicate AddAllowRule should fail")
	}
	if got := len(f.Rules()); got != 1 {
		t.Fatalf("Rules() len = %d, want 1", got)
	}
	if err := f.RemoveAllowRule(id); err != nil {
		t.Fatalf("RemoveAllowRule: %v", err)
	}
	if err := f.RemoveAllowRule(id); err == nil {
		t.Error("second RemoveAllowRule should fail")
	}
}

func TestMemoryFilterDeny(t *testing.T) {
	f := NewMemoryFilter()
	if err := f.SetDenyRule(true, PortMask(0).Set(2)); err != nil {
		t.Fatalf("SetDenyRule: %v", err)
	}
	d := f.Deny()
	if !d.Enabled || !d.Gratuitous || !d.Untrusted.Has(2) {
		t.Errorf("deny state = %+v, want enabled with port 2 and gratuitous", d)
	}

	f.AddAllowRule(Rule{Port: 2, VID: 1, IP: netip.MustParseAddr("10.1.1.1")})
	if err := f.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if len(f.Rules()) != 0 || f.Deny().Enabled {
		t.Errorf("ClearAll left state: rules=%d deny=%+v", len(f.Rules()), f.Deny())
	}
}
