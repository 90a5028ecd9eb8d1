package logging

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Inspection actions.
const (
	ActionDeny   = "deny"
	ActionPermit = "permit"
)

// EventRecord is one inspected ARP frame that passed the per-port log
// filter.
type EventRecord struct {
	Time     time.Time
	Action   string // ActionDeny or ActionPermit
	SwitchID int
	Port     int
	VID      uint16
	MAC      string // ARP sender hardware address
	IP       netip.Addr
	Reason   string // why the frame was denied, empty for permits
}

// Message returns the syslog text for the record.
func (r EventRecord) Message() string {
	verb := "denied"
	if r.Action == ActionPermit {
		verb = "permitted"
	}
	return fmt.Sprintf("ARP_INSPECTION-ACCESS_DENIED: ARP packet is %s on Interface %d/%d, vlan %d, mac %s, sip %s.",
		verb, r.SwitchID, r.Port, r.VID, r.MAC, r.IP)
}

// EventBuffer is a thread-safe circular buffer for recent inspection events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	syslogMu sync.RWMutex
	syslog   []*SyslogClient

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.eb.subMu.Lock()
	delete(s.eb.subs, s)
	s.eb.subMu.Unlock()
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1024
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// SetSyslogClients replaces the syslog targets. Old clients are closed.
func (eb *EventBuffer) SetSyslogClients(clients []*SyslogClient) {
	eb.syslogMu.Lock()
	old := eb.syslog
	eb.syslog = clients
	eb.syslogMu.Unlock()
	for _, c := range old {
		c.Close()
	}
}

// Record stores rec, forwards it to syslog and notifies subscribers.
func (eb *EventBuffer) Record(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.syslogMu.RLock()
	clients := eb.syslog
	eb.syslogMu.RUnlock()
	for _, c := range clients {
		c.SendEvent(rec)
	}

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

// Total returns the number of events recorded since creation.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Action   string // exact match; empty = any
	SwitchID int    // 0 = any
	VID      uint16 // 0 = any
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.SwitchID != 0 && rec.SwitchID != f.SwitchID {
		return false
	}
	if f.VID != 0 && rec.VID != f.VID {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
