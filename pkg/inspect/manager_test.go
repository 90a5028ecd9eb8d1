package inspect

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"testing"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/configstore"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/threshold"
)

type txCall struct {
	unit  int
	vid   uint16
	ports dataplane.PortMask
}

type fakeStack struct {
	mu          sync.Mutex
	primary     bool
	local       int
	tx          []txCall
	propagated  int
	transmitErr error
}

func (s *fakeStack) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

func (s *fakeStack) LocalUnit() int { return s.local }

func (s *fakeStack) Transmit(unit int, vid uint16, ports dataplane.PortMask, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transmitErr != nil {
		return s.transmitErr
	}
	s.tx = append(s.tx, txCall{unit, vid, ports})
	return nil
}

func (s *fakeStack) PropagateConf(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propagated++
	return nil
}

type fakeTopo struct {
	ports   map[int]int // unit -> port count
	absent  map[int]bool
	down    map[PortRef]bool
	blocked map[PortRef]bool // fabric discards towards these ports
}

func (f *fakeTopo) Units() []int {
	var out []int
	for u := range f.ports {
		out = append(out, u)
	}
	sort.Ints(out)
	return out
}

func (f *fakeTopo) Exists(sw int) bool {
	_, ok := f.ports[sw]
	return ok && !f.absent[sw]
}

func (f *fakeTopo) Configurable(sw int) bool {
	_, ok := f.ports[sw]
	return ok
}

func (f *fakeTopo) PortCount(sw int) int     { return f.ports[sw] }
func (f *fakeTopo) LinkUp(sw, port int) bool { return !f.down[PortRef{sw, port}] }

func (f *fakeTopo) Forwards(fromSw, fromPort, toSw, toPort int, vid uint16) bool {
	return !f.blocked[PortRef{toSw, toPort}]
}

type fakeLeases struct {
	mu     sync.Mutex
	leases []dhcpsnoop.Lease
	subs   map[int]func(dhcpsnoop.Event)
	next   int
}

func (f *fakeLeases) Leases() []dhcpsnoop.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dhcpsnoop.Lease(nil), f.leases...)
}

func (f *fakeLeases) Subscribe(fn func(dhcpsnoop.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(dhcpsnoop.Event))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeLeases) emit(ev dhcpsnoop.Event) {
	f.mu.Lock()
	var fns []func(dhcpsnoop.Event)
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeLeases) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakePersist struct {
	mu    sync.Mutex
	last  configstore.State
	saves int
}

func (p *fakePersist) Save(st configstore.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = st
	p.saves++
	return nil
}

type testEnv struct {
	m        *Manager
	stack    *fakeStack
	topo     *fakeTopo
	filter   *dataplane.MemoryFilter
	events   *logging.EventBuffer
	leases   *fakeLeases
	persist  *fakePersist
	notifier *threshold.Notifier
}

// newTestEnv builds a primary unit 1 with 4 ports and a second unit with 3.
func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	e := &testEnv{
		stack:    &fakeStack{primary: true, local: 1},
		topo:     &fakeTopo{ports: map[int]int{1: 4, 2: 3}, absent: map[int]bool{}, down: map[PortRef]bool{}, blocked: map[PortRef]bool{}},
		filter:   dataplane.NewMemoryFilter(),
		events:   logging.NewEventBuffer(64),
		leases:   &fakeLeases{},
		persist:  &fakePersist{},
		notifier: threshold.New(),
	}
	e.m = NewManager(Options{
		Store:    binding.NewStore(capacity, e.filter, e.notifier),
		Filter:   e.filter,
		Stack:    e.stack,
		Topology: e.topo,
		Leases:   e.leases,
		Events:   e.events,
		Persist:  e.persist,
	})
	return e
}

// inspectPort enables global inspection and inspection on the given ports.
func (e *testEnv) inspectPort(t *testing.T, refs ...PortRef) {
	t.Helper()
	ctx := context.Background()
	for _, r := range refs {
		if err := e.m.SetPortConfig(ctx, r.SwitchID, r.Port, PortConfig{Enabled: true}); err != nil {
			t.Fatalf("SetPortConfig(%s): %v", r, err)
		}
	}
	if err := e.m.SetMode(ctx, true); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
}

func mustMAC(t *testing.T, s string) binding.MAC {
	t.Helper()
	m, err := binding.ParseMAC(s)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func key(t *testing.T, sw, port int, vid uint16, mac, ip string) binding.Key {
	t.Helper()
	return binding.Key{SwitchID: sw, Port: port, VID: vid, MAC: mustMAC(t, mac), IP: netip.MustParseAddr(ip)}
}

func TestAddStaticValidation(t *testing.T) {
	e := newTestEnv(t, 16)
	tests := []struct {
		name    string
		k       binding.Key
		wantErr error
	}{
		{"valid", key(t, 1, 0, 10, "00:11:22:33:44:55", "10.0.0.1"), nil},
		{"vlan zero", key(t, 1, 0, 0, "00:11:22:33:44:55", "10.0.0.2"), ErrInvalidParameter},
		{"vlan 4096", key(t, 1, 0, 4096, "00:11:22:33:44:55", "10.0.0.2"), ErrInvalidParameter},
		{"multicast mac", key(t, 1, 0, 10, "01:00:5e:00:00:01", "10.0.0.2"), ErrInvalidParameter},
		{"broadcast mac", key(t, 1, 0, 10, "ff:ff:ff:ff:ff:ff", "10.0.0.2"), ErrInvalidParameter},
		{"zero mac", key(t, 1, 0, 10, "00:00:00:00:00:00", "10.0.0.2"), ErrInvalidParameter},
		{"zero ip", key(t, 1, 0, 10, "00:11:22:33:44:55", "0.0.0.0"), ErrInvalidParameter},
		{"multicast ip", key(t, 1, 0, 10, "00:11:22:33:44:55", "224.0.0.1"), ErrInvalidParameter},
		{"broadcast ip", key(t, 1, 0, 10, "00:11:22:33:44:55", "255.255.255.255"), ErrInvalidParameter},
		{"ipv6", key(t, 1, 0, 10, "00:11:22:33:44:55", "2001:db8::1"), ErrInvalidParameter},
		{"port out of range", key(t, 1, 4, 10, "00:11:22:33:44:55", "10.0.0.2"), ErrInvalidParameter},
		{"unknown switch", key(t, 9, 0, 10, "00:11:22:33:44:55", "10.0.0.2"), ErrSwitchNotConfigurable},
		{"duplicate", key(t, 1, 0, 10, "00:11:22:33:44:55", "10.0.0.1"), binding.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.m.AddStatic(tt.k)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("AddStatic: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddStatic = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := e.m.Store().CountKind(binding.Static); got != 1 {
		t.Errorf("static count = %d, want 1", got)
	}
}

func TestNotPrimary(t *testing.T) {
	e := newTestEnv(t, 16)
	e.stack.primary = false
	ctx := context.Background()
	k := key(t, 1, 0, 10, "00:11:22:33:44:55", "10.0.0.1")

	ops := map[string]func() error{
		"SetMode":       func() error { return e.m.SetMode(ctx, true) },
		"SetPortConfig": func() error { return e.m.SetPortConfig(ctx, 1, 0, PortConfig{Enabled: true}) },
		"SetVLANConfig": func() error { return e.m.SetVLANConfig(10, VLANConfig{Checked: true}) },
		"AddStatic":     func() error { return e.m.AddStatic(k) },
		"DeleteStatic":  func() error { return e.m.DeleteStatic(k) },
		"AddDynamic":    func() error { return e.m.AddDynamic(k) },
		"DeleteDynamic": func() error { return e.m.DeleteDynamic(k) },
		"Translate":     func() error { return e.m.Translate(k) },
		"Reset":         func() error { return e.m.ResetToDefaults(ctx) },
		"GetStatic": func() error {
			_, err := e.m.GetStatic(k, false)
			return err
		},
		"TranslateAll": func() error {
			_, err := e.m.TranslateAll()
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrNotPrimary) {
				t.Errorf("%s = %v, want ErrNotPrimary", name, err)
			}
		})
	}
	if e.persist.saves != 0 {
		t.Errorf("saves = %d, want 0", e.persist.saves)
	}
}

func TestAddStaticPromotesDynamic(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1})
	k := key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.5")
	if err := e.m.AddDynamic(k); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	if err := e.m.AddStatic(k); err != nil {
		t.Fatalf("AddStatic over dynamic: %v", err)
	}

	store := e.m.Store()
	if kind, ok := store.Lookup(k); !ok || kind != binding.Static {
		t.Fatalf("Lookup = %v, %v, want static", kind, ok)
	}
	if store.CountKind(binding.Dynamic) != 0 || store.Count() != 1 {
		t.Errorf("counts = %d total, %d dynamic, want 1 and 0", store.Count(), store.CountKind(binding.Dynamic))
	}
	if n := len(e.filter.Rules()); n != 1 {
		t.Errorf("allow rules = %d, want 1", n)
	}
	if got := len(e.persist.last.Static); got != 1 {
		t.Errorf("persisted static = %d, want 1", got)
	}
	if err := e.m.AddStatic(k); !errors.Is(err, binding.ErrAlreadyExists) {
		t.Errorf("second AddStatic = %v, want ErrAlreadyExists", err)
	}
}

func TestThresholdOnStaticAdd(t *testing.T) {
	e := newTestEnv(t, 2)
	a := key(t, 1, 0, 10, "00:00:00:00:00:01", "10.0.0.1")
	b := key(t, 1, 0, 10, "00:00:00:00:00:02", "10.0.0.2")
	c := key(t, 1, 0, 10, "00:00:00:00:00:03", "10.0.0.3")
	for _, k := range []binding.Key{a, b} {
		if err := e.m.AddStatic(k); err != nil {
			t.Fatalf("AddStatic(%s): %v", k, err)
		}
	}
	if e.notifier.Crossed() {
		t.Fatal("threshold crossed at capacity before a failed add")
	}
	if err := e.m.AddStatic(c); !errors.Is(err, binding.ErrTableFull) {
		t.Fatalf("AddStatic over capacity = %v, want ErrTableFull", err)
	}
	if !e.notifier.Crossed() {
		t.Fatal("threshold not set by failed add")
	}
	if err := e.m.DeleteStatic(a); err != nil {
		t.Fatalf("DeleteStatic: %v", err)
	}
	if e.notifier.Crossed() {
		t.Error("threshold still set after delete below capacity")
	}
	changes := e.notifier.Changes()
	if err := e.m.DeleteStatic(b); err != nil {
		t.Fatal(err)
	}
	if e.notifier.Changes() != changes {
		t.Error("delete below capacity toggled an already clear threshold")
	}
}

func TestDynamicIgnoredWhenNotInspected(t *testing.T) {
	e := newTestEnv(t, 16)
	k := key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.5")

	// Global mode off.
	if err := e.m.AddDynamic(k); err != nil {
		t.Fatalf("AddDynamic with mode off = %v, want nil", err)
	}
	// Global on, port off.
	e.inspectPort(t, PortRef{1, 2})
	if err := e.m.AddDynamic(k); err != nil {
		t.Fatalf("AddDynamic on uninspected port = %v, want nil", err)
	}
	if n := e.m.Store().CountKind(binding.Dynamic); n != 0 {
		t.Errorf("dynamic count = %d, want 0", n)
	}
	if err := e.m.AddDynamic(key(t, 5, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.5")); !errors.Is(err, ErrSwitchUnknown) {
		t.Errorf("AddDynamic on unknown switch = %v, want ErrSwitchUnknown", err)
	}
}

func TestLinkDownFlushesDynamic(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1}, PortRef{1, 2})
	dyn := []binding.Key{
		key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1"),
		key(t, 1, 1, 20, "aa:aa:aa:aa:aa:02", "10.0.0.2"),
		key(t, 1, 2, 10, "aa:aa:aa:aa:aa:03", "10.0.0.3"),
	}
	for _, k := range dyn {
		if err := e.m.AddDynamic(k); err != nil {
			t.Fatal(err)
		}
	}
	static := key(t, 1, 1, 10, "aa:aa:aa:aa:aa:04", "10.0.0.4")
	if err := e.m.AddStatic(static); err != nil {
		t.Fatal(err)
	}

	e.m.HandleLink(1, 1, true)
	if n := e.m.Store().CountKind(binding.Dynamic); n != 3 {
		t.Fatalf("dynamic after link up = %d, want 3", n)
	}
	e.m.HandleLink(1, 1, false)

	store := e.m.Store()
	if n := store.CountKind(binding.Dynamic); n != 1 {
		t.Errorf("dynamic after link down = %d, want 1", n)
	}
	if _, ok := store.Lookup(dyn[2]); !ok {
		t.Error("dynamic binding on another port removed")
	}
	if _, ok := store.Lookup(static); !ok {
		t.Error("static binding removed by link down")
	}
}

func TestSwitchRemoved(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 0}, PortRef{2, 0})
	e.m.AddDynamic(key(t, 1, 0, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1"))
	e.m.AddDynamic(key(t, 2, 0, 10, "aa:aa:aa:aa:aa:02", "10.0.0.2"))
	e.m.SwitchRemoved(2)
	if n := e.m.Store().CountKind(binding.Dynamic); n != 1 {
		t.Errorf("dynamic = %d, want 1", n)
	}
}

func TestSetPortConfigDisableFlushes(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1}, PortRef{1, 3})
	e.m.AddDynamic(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1"))
	e.m.AddDynamic(key(t, 1, 3, 10, "aa:aa:aa:aa:aa:02", "10.0.0.2"))

	deny := e.filter.Deny()
	if !deny.Enabled || deny.Untrusted != dataplane.PortMask(0).Set(1).Set(3) {
		t.Fatalf("deny = %+v, want enabled on ports 1,3", deny)
	}

	before := e.stack.propagated
	if err := e.m.SetPortConfig(context.Background(), 1, 1, PortConfig{}); err != nil {
		t.Fatal(err)
	}
	if n := e.m.Store().CountKind(binding.Dynamic); n != 1 {
		t.Errorf("dynamic = %d, want 1", n)
	}
	if got := e.filter.Deny().Untrusted; got != dataplane.PortMask(0).Set(3) {
		t.Errorf("untrusted = %s, want port 3 only", got)
	}
	if e.stack.propagated != before+1 {
		t.Errorf("propagations = %d, want %d", e.stack.propagated, before+1)
	}

	// Unchanged config is a no-op.
	if err := e.m.SetPortConfig(context.Background(), 1, 1, PortConfig{}); err != nil {
		t.Fatal(err)
	}
	if e.stack.propagated != before+1 {
		t.Error("unchanged port config propagated")
	}
	if err := e.m.SetPortConfig(context.Background(), 1, 0, PortConfig{Log: LogAll + 1}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("bad log mode = %v, want ErrInvalidParameter", err)
	}
}

func TestDenyMaskLocalPortsOnly(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1}, PortRef{2, 2})

	deny := e.filter.Deny()
	if !deny.Enabled || deny.Untrusted != dataplane.PortMask(0).Set(1) {
		t.Fatalf("deny = %+v, want enabled on local port 1 only", deny)
	}
	if got := e.m.ConfFor(2); !got.Ports[2].Enabled {
		t.Errorf("unit 2 conf = %+v, want port 2 enabled", got)
	}
}

func TestSetModeFollowsLeases(t *testing.T) {
	e := newTestEnv(t, 16)
	inspected := dhcpsnoop.Lease{MAC: [6]byte{0xaa, 0, 0, 0, 0, 1}, IP: netip.MustParseAddr("10.0.0.1"), VID: 10, SwitchID: 1, Port: 1}
	other := dhcpsnoop.Lease{MAC: [6]byte{0xaa, 0, 0, 0, 0, 2}, IP: netip.MustParseAddr("10.0.0.2"), VID: 10, SwitchID: 1, Port: 2}
	e.leases.leases = []dhcpsnoop.Lease{inspected, other}

	e.inspectPort(t, PortRef{1, 1})
	store := e.m.Store()
	if n := store.CountKind(binding.Dynamic); n != 1 {
		t.Fatalf("dynamic after enable = %d, want 1", n)
	}
	if e.leases.subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", e.leases.subscribers())
	}

	fresh := dhcpsnoop.Lease{MAC: [6]byte{0xaa, 0, 0, 0, 0, 3}, IP: netip.MustParseAddr("10.0.0.3"), VID: 10, SwitchID: 1, Port: 1}
	e.leases.emit(dhcpsnoop.Event{Kind: dhcpsnoop.Assigned, Lease: fresh})
	e.leases.emit(dhcpsnoop.Event{Kind: dhcpsnoop.Released, Lease: inspected})
	if _, ok := store.Lookup(leaseKey(fresh)); !ok {
		t.Error("assigned lease not added")
	}
	if _, ok := store.Lookup(leaseKey(inspected)); ok {
		t.Error("released lease not removed")
	}

	if err := e.m.SetMode(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if n := store.CountKind(binding.Dynamic); n != 0 {
		t.Errorf("dynamic after disable = %d, want 0", n)
	}
	if e.leases.subscribers() != 0 {
		t.Error("lease subscription kept after disable")
	}
	if e.filter.Deny().Enabled {
		t.Error("deny rule still enabled")
	}
}

func TestTranslateAll(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1})
	e.m.AddDynamic(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1"))
	e.m.AddDynamic(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:02", "10.0.0.2"))

	n, err := e.m.TranslateAll()
	if err != nil || n != 2 {
		t.Fatalf("TranslateAll = %d, %v, want 2, nil", n, err)
	}
	if got := e.m.Store().CountKind(binding.Static); got != 2 {
		t.Errorf("static = %d, want 2", got)
	}
	if err := e.m.Translate(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1")); !errors.Is(err, binding.ErrNotFound) {
		t.Errorf("Translate of static key = %v, want ErrNotFound", err)
	}
}

func TestGetStaticIteration(t *testing.T) {
	e := newTestEnv(t, 16)
	keys := []binding.Key{
		key(t, 2, 0, 10, "00:00:00:00:00:01", "10.0.0.1"),
		key(t, 1, 3, 10, "00:00:00:00:00:01", "10.0.0.1"),
		key(t, 1, 3, 5, "00:00:00:00:00:02", "10.0.0.1"),
	}
	for _, k := range keys {
		if err := e.m.AddStatic(k); err != nil {
			t.Fatal(err)
		}
	}
	var got []binding.Key
	b, err := e.m.GetStatic(binding.Key{}, false)
	for err == nil {
		got = append(got, b.Key)
		b, err = e.m.GetStatic(b.Key, true)
	}
	if !errors.Is(err, binding.ErrNotFound) {
		t.Fatalf("iteration ended with %v", err)
	}
	want := []binding.Key{keys[2], keys[1], keys[0]}
	if len(got) != len(want) {
		t.Fatalf("visited %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNextVLAN(t *testing.T) {
	e := newTestEnv(t, 16)
	e.m.SetVLANConfig(30, VLANConfig{Checked: true})
	e.m.SetVLANConfig(10, VLANConfig{Checked: true, Log: LogDeny})
	e.m.SetVLANConfig(20, VLANConfig{Log: LogAll})

	var got []uint16
	vid := uint16(0)
	for {
		next, _, err := e.m.NextVLAN(vid)
		if err != nil {
			if !errors.Is(err, binding.ErrNotFound) {
				t.Fatalf("NextVLAN(%d): %v", vid, err)
			}
			break
		}
		got = append(got, next)
		vid = next
	}
	if len(got) != 2 || got[0] != 10 || got[1] != 30 {
		t.Errorf("checked VLANs = %v, want [10 30]", got)
	}
	if err := e.m.DeleteVLANConfig(10); err != nil {
		t.Fatal(err)
	}
	if cfg, _ := e.m.VLANConfig(10); cfg != (VLANConfig{}) {
		t.Errorf("VLANConfig(10) after delete = %+v, want default", cfg)
	}
	if err := e.m.SetVLANConfig(0, VLANConfig{Checked: true}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SetVLANConfig(0) = %v, want ErrInvalidParameter", err)
	}
}

func TestConfFor(t *testing.T) {
	e := newTestEnv(t, 16)
	ctx := context.Background()
	e.m.SetPortConfig(ctx, 2, 1, PortConfig{Enabled: true, CheckVLAN: true, Log: LogDeny})
	e.m.SetMode(ctx, true)

	c := e.m.ConfFor(2)
	if !c.Enabled || len(c.Ports) != 3 {
		t.Fatalf("ConfFor(2) = %+v, want enabled with 3 ports", c)
	}
	if p := c.Ports[1]; !p.Enabled || !p.CheckVLAN || p.Log != uint8(LogDeny) {
		t.Errorf("port 1 = %+v", p)
	}
	if c.Ports[0].Enabled || c.Ports[2].Enabled {
		t.Error("default ports reported enabled")
	}
}

func TestLoadConfigAndState(t *testing.T) {
	e := newTestEnv(t, 16)
	st := configstore.State{
		Enabled: true,
		Ports: []configstore.PortState{
			{SwitchID: 2, Port: 0, Enabled: true, Log: "all"},
			{SwitchID: 1, Port: 1, Enabled: true, CheckVLAN: true, Log: "deny"},
		},
		VLANs: []configstore.VLANState{{VID: 20, Checked: true}, {VID: 10, Checked: true, Log: "permit"}},
		Static: []configstore.StaticEntry{
			{SwitchID: 1, Port: 1, VID: 10, MAC: "00:11:22:33:44:55", IP: "10.0.0.1"},
			{SwitchID: 1, Port: 1, VID: 10, MAC: "not-a-mac", IP: "10.0.0.2"},
			{SwitchID: 1, Port: 1, VID: 10, MAC: "01:00:5e:00:00:01", IP: "10.0.0.3"},
		},
	}
	if err := e.m.LoadConfig(context.Background(), st); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !e.m.Mode() {
		t.Error("mode not loaded")
	}
	if !e.m.IsTrusted(1, 1, 30) || e.m.IsTrusted(1, 1, 20) {
		t.Error("port 1/1 trust does not follow the loaded VLAN set")
	}

	got := e.m.State()
	if len(got.Static) != 1 || got.Static[0].MAC != "00:11:22:33:44:55" {
		t.Errorf("Static = %+v, want the one valid entry", got.Static)
	}
	if len(got.Ports) != 2 || got.Ports[0].SwitchID != 1 || got.Ports[0].Log != "deny" {
		t.Errorf("Ports = %+v, want sorted, 1/1 first", got.Ports)
	}
	if len(got.VLANs) != 2 || got.VLANs[0].VID != 10 || got.VLANs[0].Log != "permit" {
		t.Errorf("VLANs = %+v, want sorted, vlan 10 first", got.VLANs)
	}
	if e.stack.propagated != 1 {
		t.Errorf("propagations = %d, want 1", e.stack.propagated)
	}

	bad := configstore.State{Ports: []configstore.PortState{{SwitchID: 1, Log: "loud"}}}
	if err := e.m.LoadConfig(context.Background(), bad); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("LoadConfig(bad log) = %v, want ErrInvalidParameter", err)
	}
}

func TestResetToDefaults(t *testing.T) {
	e := newTestEnv(t, 16)
	e.inspectPort(t, PortRef{1, 1})
	e.m.AddDynamic(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:01", "10.0.0.1"))
	e.m.AddStatic(key(t, 1, 1, 10, "aa:aa:aa:aa:aa:02", "10.0.0.2"))
	e.m.SetVLANConfig(10, VLANConfig{Checked: true})

	if err := e.m.ResetToDefaults(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.m.Mode() || e.m.Store().Count() != 0 || len(e.m.Ports()) != 0 {
		t.Errorf("after reset: mode %v, %d bindings, %d ports", e.m.Mode(), e.m.Store().Count(), len(e.m.Ports()))
	}
	if len(e.filter.Rules()) != 0 {
		t.Error("allow rules left after reset")
	}
	if st := e.persist.last; st.Enabled || len(st.Static) != 0 || len(st.VLANs) != 0 {
		t.Errorf("persisted = %+v, want defaults", st)
	}
}
