// Package threshold tracks the sticky "crossed maximum entries" condition of
// the binding table and notifies subscribers when it changes.
package threshold

import (
	"log/slog"
	"sync"
	"time"
)

// Event is delivered to subscribers on every level change.
type Event struct {
	Time    time.Time
	Crossed bool
}

// Notifier holds the crossed-maximum flag. The flag is level-triggered:
// it stays set until Clear is called, regardless of how many adds failed.
type Notifier struct {
	mu      sync.RWMutex
	crossed bool
	changes uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives level changes from a Notifier.
type Subscription struct {
	C <-chan Event
	c chan Event
	n *Notifier
}

// Close unsubscribes. The channel is not closed so that a concurrent
// publish can never panic on it.
func (s *Subscription) Close() {
	s.n.subMu.Lock()
	delete(s.n.subs, s)
	s.n.subMu.Unlock()
}

// New returns a notifier with the flag cleared.
func New() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Set raises the flag. Only the first Set after a Clear notifies.
func (n *Notifier) Set() {
	n.update(true)
}

// Clear lowers the flag. Clearing an already clear flag is a no-op.
func (n *Notifier) Clear() {
	n.update(false)
}

// Crossed reports the current level.
func (n *Notifier) Crossed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.crossed
}

// Changes returns how many times the level has toggled.
func (n *Notifier) Changes() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.changes
}

// Subscribe returns a Subscription with the given channel buffer.
func (n *Notifier) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 8
	}
	c := make(chan Event, bufSize)
	sub := &Subscription{C: c, c: c, n: n}
	n.subMu.Lock()
	n.subs[sub] = struct{}{}
	n.subMu.Unlock()
	return sub
}

func (n *Notifier) update(crossed bool) {
	n.mu.Lock()
	if n.crossed == crossed {
		n.mu.Unlock()
		return
	}
	n.crossed = crossed
	n.changes++
	n.mu.Unlock()

	ev := Event{Time: time.Now(), Crossed: crossed}
	if crossed {
		slog.Warn("threshold: binding table reached maximum entries")
	} else {
		slog.Info("threshold: binding table below maximum entries")
	}

	n.subMu.RLock()
	for sub := range n.subs {
		select {
		case sub.c <- ev:
		default: // drop if subscriber is slow
		}
	}
	n.subMu.RUnlock()
}
