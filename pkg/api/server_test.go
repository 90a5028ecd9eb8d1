package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
	"github.com/psaab/arpinspect/pkg/inspect"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/packetio"
	"github.com/psaab/arpinspect/pkg/pipeline"
	"github.com/psaab/arpinspect/pkg/stack"
	"github.com/psaab/arpinspect/pkg/threshold"
)

type staticLeases []dhcpsnoop.Lease

func (l staticLeases) Leases() []dhcpsnoop.Lease { return l }

func (l staticLeases) Stats() dhcpsnoop.Stats {
	return dhcpsnoop.Stats{UntrustedReplies: 2}
}

type testServer struct {
	srv    *Server
	mgr    *inspect.Manager
	events *logging.EventBuffer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	inv, err := packetio.NewInventory(1, []packetio.PortSpec{
		{SwitchID: 1, Port: 0, PVID: 10},
		{SwitchID: 1, Port: 1, PVID: 10},
	})
	if err != nil {
		t.Fatalf("NewInventory: %v", err)
	}
	pio := packetio.NewIO(inv, nil)
	pipe := pipeline.New(pipeline.Options{Slots: 4}, func(pipeline.Frame) {})
	bus := stack.NewLocalBus()
	co := stack.New(stack.Options{Unit: 1, Transport: bus.Attach(1), Pipeline: pipe, Ports: pio, Capture: pio})

	filter := dataplane.NewMemoryFilter()
	events := logging.NewEventBuffer(16)
	mgr := inspect.NewManager(inspect.Options{
		Store:    binding.NewStore(4, filter, threshold.New()),
		Filter:   filter,
		Stack:    co,
		Topology: inv,
		Events:   events,
	})
	co.SetConfSource(mgr)
	co.SetRole(stack.RolePrimary, 1)

	ctx := context.Background()
	if err := mgr.SetPortConfig(ctx, 1, 0, inspect.PortConfig{Enabled: true, Log: inspect.LogDeny}); err != nil {
		t.Fatalf("SetPortConfig: %v", err)
	}
	if err := mgr.SetMode(ctx, true); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	mac, _ := binding.ParseMAC("02:00:00:00:00:01")
	if err := mgr.AddStatic(binding.Key{SwitchID: 1, Port: 0, VID: 10, MAC: mac, IP: netip.MustParseAddr("10.0.0.1")}); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}
	mgr.DecideAndForward(pipeline.Frame{Data: []byte{1, 2, 3}, VID: 10, SwitchID: 1, Port: 0})

	leases := staticLeases{{MAC: mac, IP: netip.MustParseAddr("10.0.0.9"), VID: 10, SwitchID: 1, Port: 1,
		Expires: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}}

	srv := NewServer(Config{
		Manager:  mgr,
		Pipeline: pipe,
		Stack:    co,
		PortIO:   pio,
		Leases:   leases,
		EventBuf: events,
	})
	return &testServer{srv: srv, mgr: mgr, events: events}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	if !resp.Success {
		t.Fatalf("response error: %s", resp.Error)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	w := ts.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`arpinspect_bindings{kind="static"} 1`,
		`arpinspect_bindings{kind="dynamic"} 0`,
		`arpinspect_binding_capacity 4`,
		`arpinspect_threshold_crossed 0`,
		`arpinspect_inspection_enabled 1`,
		`arpinspect_rejected_total{reason="not an ARP frame"} 1`,
		`arpinspect_events_logged_total 1`,
		`arpinspect_stack_primary{unit="1"} 1`,
		`arpinspect_stack_messages_total{direction="applied",type="conf_set"}`,
		`arpinspect_pipeline_queue_depth 0`,
		`arpinspect_port_frames_total{direction="tx",result="sent"} 0`,
		`arpinspect_dhcp_leases_active 1`,
		`arpinspect_dhcp_ignored_total{reason="untrusted_reply"} 2`,
		`arpinspect_stack_errors_total{kind="relay_dropped"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	ts := newTestServer(t)
	var st StatusResponse
	decodeData(t, ts.get(t, "/api/v1/status"), &st)
	if st.Role != "primary" || st.Unit != 1 || st.PrimaryUnit != 1 {
		t.Errorf("role = %s unit %d primary %d, want primary 1 1", st.Role, st.Unit, st.PrimaryUnit)
	}
	if !st.InspectionActive || st.StaticEntries != 1 || st.Capacity != 4 {
		t.Errorf("status = %+v", st)
	}
}

func TestBindingsHandler(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		query string
		want  int
	}{
		{"", 1},
		{"?kind=static", 1},
		{"?kind=dynamic", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var out []BindingEntry
			decodeData(t, ts.get(t, "/api/v1/bindings"+tt.query), &out)
			if len(out) != tt.want {
				t.Fatalf("len = %d, want %d", len(out), tt.want)
			}
			if tt.want == 1 && (out[0].MAC != "02:00:00:00:00:01" || out[0].IP != "10.0.0.1" || out[0].Kind != "static") {
				t.Errorf("entry = %+v", out[0])
			}
		})
	}
	if w := ts.get(t, "/api/v1/bindings?kind=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
}

func TestEventsHandler(t *testing.T) {
	ts := newTestServer(t)
	var out []EventEntry
	decodeData(t, ts.get(t, "/api/v1/events?action=deny"), &out)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Reason != inspect.ReasonMalformed || out[0].Port != 0 || out[0].VLAN != 10 {
		t.Errorf("event = %+v", out[0])
	}

	decodeData(t, ts.get(t, "/api/v1/events?action=permit"), &out)
	if len(out) != 0 {
		t.Errorf("permit events = %d, want 0", len(out))
	}
	for _, q := range []string{"?n=0", "?n=x", "?vlan=5000", "?switch=a"} {
		if w := ts.get(t, "/api/v1/events"+q); w.Code != http.StatusBadRequest {
			t.Errorf("GET events%s = %d, want 400", q, w.Code)
		}
	}
}

func TestLeasesAndStateHandlers(t *testing.T) {
	ts := newTestServer(t)
	var leases []LeaseEntry
	decodeData(t, ts.get(t, "/api/v1/dhcp/leases"), &leases)
	if len(leases) != 1 || leases[0].IP != "10.0.0.9" || leases[0].Expires != "2026-01-02T03:04:05Z" {
		t.Errorf("leases = %+v", leases)
	}
	if w := ts.get(t, "/api/v1/state"); w.Code != http.StatusOK {
		t.Errorf("GET state = %d", w.Code)
	}
}

func TestUnavailableSources(t *testing.T) {
	srv := NewServer(Config{})
	for _, path := range []string{"/api/v1/bindings", "/api/v1/state", "/api/v1/events", "/api/v1/dhcp/leases"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics without sources = %d, want 200", w.Code)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "deny", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: deny\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL+"/api/v1/events/stream?action=permit", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Headers are flushed before subscribing completes; record until one
	// event arrives.
	go func() {
		for i := 0; i < 50 && ctx.Err() == nil; i++ {
			ts.events.Record(logging.EventRecord{Action: logging.ActionDeny, Port: 9})
			ts.events.Record(logging.EventRecord{Action: logging.ActionPermit, Port: 7})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e EventEntry
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if e.Action != logging.ActionPermit || e.Port != 7 {
			t.Errorf("event = %+v, want permit on port 7", e)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}
