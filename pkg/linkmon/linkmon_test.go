package linkmon

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
)

type mockLink struct {
	attrs netlink.LinkAttrs
}

func (m *mockLink) Attrs() *netlink.LinkAttrs { return &m.attrs }
func (m *mockLink) Type() string              { return "mock" }

type mockNlHandle struct {
	mu    sync.Mutex
	links map[string]*mockLink
}

func newMockNlHandle() *mockNlHandle {
	return &mockNlHandle{links: make(map[string]*mockLink)}
}

func (h *mockNlHandle) LinkByName(name string) (netlink.Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if link, ok := h.links[name]; ok {
		return link, nil
	}
	return nil, net.UnknownNetworkError("not found: " + name)
}

func (h *mockNlHandle) setLink(name string, state netlink.LinkOperState, flags net.Flags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[name] = &mockLink{attrs: netlink.LinkAttrs{Name: name, OperState: state, Flags: flags}}
}

type change struct {
	port int
	up   bool
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) fn(port int, up bool) {
	r.mu.Lock()
	r.changes = append(r.changes, change{port, up})
	r.mu.Unlock()
}

func (r *recorder) take() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changes
	r.changes = nil
	return out
}

func TestPollReportsTransitions(t *testing.T) {
	nlh := newMockNlHandle()
	nlh.setLink("ge0", netlink.OperUp, net.FlagUp)
	nlh.setLink("ge1", netlink.OperDown, net.FlagUp)

	var rec recorder
	mon := New(map[string]int{"ge0": 0, "ge1": 1, "ge2": 2}, 0, rec.fn)
	mon.nlHandle = nlh

	mon.poll()
	got := rec.take()
	want := []change{{0, true}, {1, false}, {2, false}}
	if len(got) != len(want) {
		t.Fatalf("initial changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	mon.poll()
	if got := rec.take(); len(got) != 0 {
		t.Errorf("steady state reported %v", got)
	}

	nlh.setLink("ge0", netlink.OperDown, net.FlagUp)
	nlh.setLink("ge2", netlink.OperUnknown, net.FlagUp)
	mon.poll()
	got = rec.take()
	want = []change{{0, false}, {2, true}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("changes = %v, want %v", got, want)
	}
	if up, known := mon.LinkUp("ge2"); !up || !known {
		t.Errorf("LinkUp(ge2) = %v, %v, want true, true", up, known)
	}
}

func TestLinkUp(t *testing.T) {
	tests := []struct {
		name  string
		state netlink.LinkOperState
		flags net.Flags
		want  bool
	}{
		{"oper up", netlink.OperUp, 0, true},
		{"oper down admin up", netlink.OperDown, net.FlagUp, false},
		{"unknown admin up", netlink.OperUnknown, net.FlagUp, true},
		{"unknown admin down", netlink.OperUnknown, 0, false},
		{"lower layer down", netlink.OperLowerLayerDown, net.FlagUp, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linkUp(&netlink.LinkAttrs{OperState: tt.state, Flags: tt.flags}); got != tt.want {
				t.Errorf("linkUp = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	nlh := newMockNlHandle()
	nlh.setLink("ge0", netlink.OperUp, net.FlagUp)

	seen := make(chan change, 4)
	mon := New(map[string]int{"ge0": 3}, 10*time.Millisecond, func(port int, up bool) {
		seen <- change{port, up}
	})
	mon.nlHandle = nlh
	mon.Start(context.Background())
	defer mon.Stop()

	select {
	case c := <-seen:
		if c != (change{3, true}) {
			t.Errorf("first change = %v, want {3 true}", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial poll not reported")
	}

	nlh.setLink("ge0", netlink.OperDown, 0)
	select {
	case c := <-seen:
		if c != (change{3, false}) {
			t.Errorf("change = %v, want {3 false}", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link down not reported")
	}
}
