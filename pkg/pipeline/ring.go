package pipeline

import "sync"

// SlotSize is the largest frame a ring slot holds.
const SlotSize = 1520

// DefaultSlots is the ring depth used when none is configured.
const DefaultSlots = 64

// Frame is one captured, tag-stripped ARP frame with its reception metadata.
type Frame struct {
	Data     []byte
	VID      uint16
	SwitchID int
	Port     int
	Tags     int // VLAN tags removed before queuing
}

type slot struct {
	buf      [SlotSize]byte
	n        int
	vid      uint16
	switchID int
	port     int
	tags     int
}

// ring is a fixed array of slots. The producer reserves the tail slot and
// commits it; the consumer acquires the head slot and releases it. Slots
// between reserve and commit are invisible to the consumer.
type ring struct {
	mu       sync.Mutex
	slots    []slot
	head     int // next slot to consume
	tail     int // next slot to reserve
	count    int // committed slots
	reserved bool
	gen      uint64 // bumped by flush so a stale release is ignored
}

func newRing(n int) *ring {
	if n < 1 {
		n = DefaultSlots
	}
	return &ring{slots: make([]slot, n)}
}

// reserve returns the tail slot, or nil when the ring is full or another
// producer holds a reservation.
func (r *ring) reserve() *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved || r.count == len(r.slots) {
		return nil
	}
	r.reserved = true
	return &r.slots[r.tail]
}

func (r *ring) commit() {
	r.mu.Lock()
	r.tail = (r.tail + 1) % len(r.slots)
	r.count++
	r.reserved = false
	r.mu.Unlock()
}

// acquire copies out the head slot. ok is false when the ring is empty.
func (r *ring) acquire() (f Frame, gen uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Frame{}, r.gen, false
	}
	s := &r.slots[r.head]
	f = Frame{
		Data:     append([]byte(nil), s.buf[:s.n]...),
		VID:      s.vid,
		SwitchID: s.switchID,
		Port:     s.port,
		Tags:     s.tags,
	}
	return f, r.gen, true
}

func (r *ring) release(gen uint64) {
	r.mu.Lock()
	if gen == r.gen && r.count > 0 {
		r.head = (r.head + 1) % len(r.slots)
		r.count--
	}
	r.mu.Unlock()
}

// flush discards every committed slot and returns how many were dropped.
func (r *ring) flush() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	r.head = r.tail
	r.count = 0
	r.gen++
	return n
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
