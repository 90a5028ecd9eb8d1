// Package pipeline decouples ARP frame reception from validation: producers
// push tag-stripped copies into a bounded ring and one worker drains it.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler validates and forwards one dequeued frame.
type Handler func(Frame)

const (
	// yieldEvery is the number of consecutive dequeues before the worker
	// sleeps for yieldFor.
	yieldEvery = 100
	yieldFor   = 10 * time.Millisecond
)

// Options configures a Pipeline.
type Options struct {
	Slots      int    // ring depth, DefaultSlots when zero
	CustomTPID uint16 // additional tag ethertype stripped on push, 0 for none
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Pushed          uint64
	DroppedFull     uint64
	DroppedSuspend  uint64
	DroppedOversize uint64
	Processed       uint64
	Flushed         uint64
}

// Pipeline is a single-consumer reception queue. It starts suspended.
type Pipeline struct {
	ring    *ring
	handler Handler
	custom  atomic.Uint32

	pushMu sync.Mutex // serializes reserve/commit between producers

	stateMu   sync.Mutex
	suspended bool
	resumeCh  chan struct{} // closed on Resume, replaced on Suspend

	wake chan struct{}

	pushed          atomic.Uint64
	droppedFull     atomic.Uint64
	droppedSuspend  atomic.Uint64
	droppedOversize atomic.Uint64
	processed       atomic.Uint64
	flushed         atomic.Uint64
}

// New creates a suspended pipeline that calls h for every dequeued frame.
func New(opts Options, h Handler) *Pipeline {
	p := &Pipeline{
		ring:      newRing(opts.Slots),
		handler:   h,
		suspended: true,
		resumeCh:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	p.custom.Store(uint32(opts.CustomTPID))
	return p
}

// SetCustomTPID changes the additional tag ethertype stripped on push.
func (p *Pipeline) SetCustomTPID(tpid uint16) {
	p.custom.Store(uint32(tpid))
}

// Push strips VLAN tags from data and queues a copy. It never blocks and
// returns false if the frame was dropped.
func (p *Pipeline) Push(data []byte, vid uint16, switchID, port int) bool {
	frame, tags := StripTags(data, uint16(p.custom.Load()))
	if len(frame) > SlotSize {
		p.droppedOversize.Add(1)
		slog.Warn("pipeline: frame exceeds slot size, dropped",
			"len", len(frame), "switch", switchID, "port", port)
		return false
	}

	p.pushMu.Lock()
	if p.Suspended() {
		p.pushMu.Unlock()
		p.droppedSuspend.Add(1)
		slog.Debug("pipeline: suspended, frame dropped", "switch", switchID, "port", port)
		return false
	}
	s := p.ring.reserve()
	if s == nil {
		p.pushMu.Unlock()
		p.droppedFull.Add(1)
		slog.Warn("pipeline: ring full, frame dropped", "switch", switchID, "port", port, "vid", vid)
		return false
	}
	s.n = copy(s.buf[:], frame)
	s.vid = vid
	s.switchID = switchID
	s.port = port
	s.tags = tags
	p.ring.commit()
	p.pushMu.Unlock()

	p.pushed.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Suspend stops processing and discards queued frames. Frames pushed while
// suspended are dropped.
func (p *Pipeline) Suspend() {
	p.stateMu.Lock()
	if !p.suspended {
		p.suspended = true
		p.resumeCh = make(chan struct{})
	}
	p.stateMu.Unlock()

	p.pushMu.Lock()
	n := p.ring.flush()
	p.pushMu.Unlock()
	if n > 0 {
		p.flushed.Add(uint64(n))
		slog.Info("pipeline: flushed on suspend", "frames", n)
	}
	// Let a worker blocked on an empty ring observe the new state.
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Resume starts processing.
func (p *Pipeline) Resume() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.suspended {
		p.suspended = false
		close(p.resumeCh)
	}
}

// Suspended reports whether the pipeline is suspended.
func (p *Pipeline) Suspended() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.suspended
}

func (p *Pipeline) resumed() (<-chan struct{}, bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.resumeCh, !p.suspended
}

// Len returns the number of queued frames.
func (p *Pipeline) Len() int {
	return p.ring.len()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Pushed:          p.pushed.Load(),
		DroppedFull:     p.droppedFull.Load(),
		DroppedSuspend:  p.droppedSuspend.Load(),
		DroppedOversize: p.droppedOversize.Load(),
		Processed:       p.processed.Load(),
		Flushed:         p.flushed.Load(),
	}
}

// Run is the worker loop. It returns when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	burst := 0
	for {
		resume, active := p.resumed()
		if !active {
			burst = 0
			select {
			case <-ctx.Done():
				return
			case <-resume:
				continue
			}
		}

		f, gen, ok := p.ring.acquire()
		if !ok {
			burst = 0
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		p.ring.release(gen)

		p.handler(f)
		p.processed.Add(1)

		burst++
		if burst >= yieldEvery {
			burst = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(yieldFor):
			}
		}
	}
}
