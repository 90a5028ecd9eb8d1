package daemon

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/config"
	"github.com/psaab/arpinspect/pkg/configstore"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/inspect"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Unit:  1,
		Stack: config.StackConfig{Primary: 1},
		Ports: []config.PortConfig{
			{Unit: 1, Port: 0, PVID: 10},
			{Unit: 1, Port: 1, PVID: 10},
		},
		Inspect: config.InspectConfig{MaxEntries: 8, RingSlots: 4, EventLogSize: 16},
		DHCP:    config.DHCPConfig{ExpireInterval: time.Minute},
		State:   config.StateConfig{File: filepath.Join(t.TempDir(), "state.yaml")},
	}
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, func()) {
	t.Helper()
	d, err := New(Options{Config: cfg, NoPortIO: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	return d, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
}

func TestDaemonLoadsPersistedState(t *testing.T) {
	cfg := testConfig(t)
	err := configstore.New(cfg.State.File, 0).Save(configstore.State{
		Enabled: true,
		Ports:   []configstore.PortState{{SwitchID: 1, Port: 0, Enabled: true, Log: "deny"}},
		Static: []configstore.StaticEntry{
			{SwitchID: 1, Port: 0, VID: 10, MAC: "02:00:00:00:00:01", IP: "10.0.0.1"},
			{SwitchID: 1, Port: 0, VID: 10, MAC: "01:00:5e:00:00:01", IP: "10.0.0.2"}, // multicast, skipped
		},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	d, stop := startDaemon(t, cfg)
	defer stop()

	if !d.Coordinator().IsPrimary() {
		t.Fatal("unit 1 should be primary")
	}
	m := d.Manager()
	if !m.Mode() {
		t.Error("inspection should be enabled from state")
	}
	if got := m.Store().CountKind(binding.Static); got != 1 {
		t.Errorf("static entries = %d, want 1", got)
	}
	mf, ok := d.filter.(*dataplane.MemoryFilter)
	if !ok {
		t.Fatalf("filter = %T, want *dataplane.MemoryFilter", d.filter)
	}
	if deny := mf.Deny(); !deny.Enabled || !deny.Untrusted.Has(0) {
		t.Errorf("deny rule = %+v, want enabled with port 0 untrusted", deny)
	}
	if got := len(mf.Rules()); got != 1 {
		t.Errorf("allow rules = %d, want 1", got)
	}
	if conf, ok := d.Coordinator().LastConf(); !ok || !conf.Enabled {
		t.Errorf("local conf = %+v, %v, want applied and enabled", conf, ok)
	}
}

func TestDaemonLinkDownFlushesDynamic(t *testing.T) {
	cfg := testConfig(t)
	d, stop := startDaemon(t, cfg)
	defer stop()

	ctx := context.Background()
	m := d.Manager()
	if err := m.SetMode(ctx, true); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := m.SetPortConfig(ctx, 1, 1, inspect.PortConfig{Enabled: true}); err != nil {
		t.Fatalf("SetPortConfig: %v", err)
	}
	mac, _ := binding.ParseMAC("02:00:00:00:00:02")
	k := binding.Key{SwitchID: 1, Port: 1, VID: 10, MAC: mac, IP: netip.MustParseAddr("10.0.0.5")}
	if err := m.AddDynamic(k); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}

	d.linkChanged(1, false)
	if got := m.Store().CountKind(binding.Dynamic); got != 0 {
		t.Errorf("dynamic entries after link down = %d, want 0", got)
	}
	if d.inv.LinkUp(1, 1) {
		t.Error("inventory should record link down")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New without config should fail")
	}
}

func TestDHCPTrust(t *testing.T) {
	trusted := dhcpTrust([]config.PortConfig{
		{Unit: 1, Port: 0},
		{Unit: 1, Port: 5, DHCPTrusted: true},
		{Unit: 2, Port: 0, DHCPTrusted: true},
	})
	tests := []struct {
		unit, port int
		want       bool
	}{
		{1, 5, true},
		{2, 0, true},
		{1, 0, false},
		{2, 5, false},
		{3, 5, false},
	}
	for _, tt := range tests {
		if got := trusted(tt.unit, tt.port); got != tt.want {
			t.Errorf("trusted(%d, %d) = %v, want %v", tt.unit, tt.port, got, tt.want)
		}
	}
}
