// Package stack implements the primary/secondary stacking protocol: the
// primary validates every ARP frame captured anywhere in the stack,
// secondaries relay their captures to it and transmit on its behalf.
package stack

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/pipeline"
)

// ErrNotPrimary is returned by operations that only the primary may run.
var ErrNotPrimary = errors.New("stack: not the primary unit")

// Role is the local unit's stacking role.
type Role int

const (
	RoleLoading Role = iota // topology not yet known
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "loading"
	}
}

// RoleEvent reports a role change of the local unit.
type RoleEvent struct {
	Role        Role
	PrimaryUnit int
}

// PortIO transmits frames on local ports, applying each port's VLAN tag
// treatment and skipping ports without link.
type PortIO interface {
	Transmit(vid uint16, ports dataplane.PortMask, frame []byte) error
}

// CaptureControl turns ARP capture on local ports on or off.
type CaptureControl interface {
	SetCapture(enabled bool, ports dataplane.PortMask) error
}

// ConfSource returns the ConfSet payload for a unit.
type ConfSource interface {
	ConfFor(unit int) Conf
}

// captureTimeout bounds the relay of one captured frame to the primary.
const captureTimeout = time.Second

// DefaultRelayQueue is the depth of the outbound FrameRxInd queue.
const DefaultRelayQueue = 256

// Options configures a Coordinator.
type Options struct {
	Unit      int
	Transport Transport
	Pipeline  *pipeline.Pipeline
	Ports     PortIO
	Capture   CaptureControl

	// EventBuffer is the depth of the role event channel.
	EventBuffer int

	// RelayQueue is the depth of the queue of captures waiting to be
	// relayed to the primary. DefaultRelayQueue when zero.
	RelayQueue int
}

// Stats are cumulative coordinator counters.
type Stats struct {
	RxIndSent   uint64
	RxIndRecv   uint64
	TxReqSent   uint64
	TxReqRecv   uint64
	ConfSent    uint64
	ConfApplied uint64
	SendErrors  uint64
	Dropped     uint64

	// RelayDropped counts captures dropped because the relay queue was
	// full or the primary changed while they were queued.
	RelayDropped uint64
}

// Coordinator runs the stacking protocol for one unit.
type Coordinator struct {
	unit    int
	tr      Transport
	pipe    *pipeline.Pipeline
	ports   PortIO
	capture CaptureControl

	mu       sync.RWMutex
	role     Role
	primary  int
	units    map[int]struct{}
	src      ConfSource
	lastConf *Conf // last ConfSet applied on this unit

	// confSem gates confBuf: one outstanding ConfSet at a time.
	confSem *semaphore.Weighted
	confBuf []byte

	events chan RoleEvent

	// relayCh feeds relayLoop; Capture never waits on the transport.
	relayCh chan relayMsg

	rxIndSent   atomic.Uint64
	rxIndRecv   atomic.Uint64
	txReqSent   atomic.Uint64
	txReqRecv   atomic.Uint64
	confSent    atomic.Uint64
	confApplied atomic.Uint64
	sendErrors  atomic.Uint64
	dropped     atomic.Uint64
	relayDrops  atomic.Uint64
}

type relayMsg struct {
	primary int
	buf     []byte
}

// New creates a coordinator in the loading role and installs its receive
// handler on the transport.
func New(opts Options) *Coordinator {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 16
	}
	if opts.RelayQueue < 1 {
		opts.RelayQueue = DefaultRelayQueue
	}
	c := &Coordinator{
		unit:    opts.Unit,
		tr:      opts.Transport,
		pipe:    opts.Pipeline,
		ports:   opts.Ports,
		capture: opts.Capture,
		role:    RoleLoading,
		units:   map[int]struct{}{opts.Unit: {}},
		confSem: semaphore.NewWeighted(1),
		events:  make(chan RoleEvent, opts.EventBuffer),
		relayCh: make(chan relayMsg, opts.RelayQueue),
	}
	if c.tr != nil {
		c.tr.SetHandler(c.deliver)
	}
	return c
}

// SetConfSource installs the provider of ConfSet payloads.
func (c *Coordinator) SetConfSource(src ConfSource) {
	c.mu.Lock()
	c.src = src
	c.mu.Unlock()
}

// LocalUnit returns this unit's id.
func (c *Coordinator) LocalUnit() int { return c.unit }

// Events returns the role change channel.
func (c *Coordinator) Events() <-chan RoleEvent { return c.events }

// Role returns the local role and the current primary unit.
func (c *Coordinator) Role() (Role, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role, c.primary
}

// IsPrimary reports whether this unit is the primary.
func (c *Coordinator) IsPrimary() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role == RolePrimary
}

// SetRole records the outcome of an election. The local pipeline runs only
// while this unit is primary. Losing the primary relationship drops the
// capture configuration received from the old primary.
func (c *Coordinator) SetRole(role Role, primaryUnit int) {
	c.mu.Lock()
	changed := c.role != role || c.primary != primaryUnit
	primaryMoved := c.primary != primaryUnit
	c.role = role
	c.primary = primaryUnit
	if primaryMoved && role != RolePrimary {
		c.lastConf = nil
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("stack: role changed", "unit", c.unit, "role", role.String(), "primary", primaryUnit)

	if c.pipe != nil {
		if role == RolePrimary {
			c.pipe.Resume()
		} else {
			c.pipe.Suspend()
		}
	}
	if primaryMoved && role != RolePrimary && c.capture != nil {
		if err := c.capture.SetCapture(false, 0); err != nil {
			slog.Warn("stack: failed to disable capture", "err", err)
		}
	}

	select {
	case c.events <- RoleEvent{Role: role, PrimaryUnit: primaryUnit}:
	default:
		slog.Warn("stack: role event dropped, channel full", "role", role.String())
	}
}

// Units returns the known stack members in ascending order, the local
// unit included.
func (c *Coordinator) Units() []int {
	c.mu.RLock()
	out := make([]int, 0, len(c.units))
	for u := range c.units {
		out = append(out, u)
	}
	c.mu.RUnlock()
	sort.Ints(out)
	return out
}

// HasUnit reports whether unit is a known stack member.
func (c *Coordinator) HasUnit(unit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.units[unit]
	return ok
}

// UnitJoined adds unit to the stack. On the primary the unit is sent its
// current configuration.
func (c *Coordinator) UnitJoined(ctx context.Context, unit int) error {
	c.mu.Lock()
	c.units[unit] = struct{}{}
	primary := c.role == RolePrimary
	c.mu.Unlock()

	slog.Info("stack: unit joined", "unit", unit)
	if !primary {
		return nil
	}
	return c.propagate(ctx, []int{unit})
}

// UnitLeft removes unit from the stack.
func (c *Coordinator) UnitLeft(unit int) {
	if unit == c.unit {
		return
	}
	c.mu.Lock()
	delete(c.units, unit)
	c.mu.Unlock()
	slog.Info("stack: unit left", "unit", unit)
}

// PropagateConf sends every unit its ConfSet. Callers block while another
// ConfSet is being sent.
func (c *Coordinator) PropagateConf(ctx context.Context) error {
	if !c.IsPrimary() {
		return ErrNotPrimary
	}
	return c.propagate(ctx, c.Units())
}

func (c *Coordinator) propagate(ctx context.Context, units []int) error {
	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()
	if src == nil {
		return nil
	}

	if err := c.confSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.confSem.Release(1)

	for _, u := range units {
		conf := src.ConfFor(u)
		if u == c.unit {
			c.applyConf(&conf)
			continue
		}
		var err error
		c.confBuf, err = AppendEncode(c.confBuf[:0], Message{Type: MsgConfSet, Conf: &conf})
		if err != nil {
			return err
		}
		if err := c.send(ctx, u, c.confBuf); err != nil {
			continue
		}
		c.confSent.Add(1)
	}
	return nil
}

// Capture handles a frame captured on a local port. The primary queues it
// directly; a secondary queues a FrameRxInd for Run. Capture never
// blocks: it returns false when the frame was dropped.
func (c *Coordinator) Capture(frame []byte, vid uint16, port int) bool {
	role, primary := c.Role()
	switch role {
	case RolePrimary:
		if c.pipe == nil {
			return false
		}
		return c.pipe.Push(frame, vid, c.unit, port)
	case RoleSecondary:
		buf, err := Encode(Message{Type: MsgFrameRxInd, RxInd: &FrameRxInd{
			VID:   vid,
			Unit:  uint16(c.unit),
			Port:  uint16(port),
			Frame: frame,
		}})
		if err != nil {
			slog.Warn("stack: encode rx indication", "err", err)
			return false
		}
		select {
		case c.relayCh <- relayMsg{primary: primary, buf: buf}:
			return true
		default:
			c.relayDrops.Add(1)
			slog.Debug("stack: relay queue full, capture dropped", "port", port, "vid", vid)
			return false
		}
	default:
		c.dropped.Add(1)
		return false
	}
}

// Run relays queued captures to the primary until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.relayCh:
			c.relay(ctx, m)
		}
	}
}

func (c *Coordinator) relay(ctx context.Context, m relayMsg) {
	role, primary := c.Role()
	if role != RoleSecondary || primary != m.primary {
		c.relayDrops.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	if err := c.send(ctx, m.primary, m.buf); err != nil {
		return
	}
	c.rxIndSent.Add(1)
}

// Transmit sends frame out of ports on unit. Local ports are written
// directly, remote ones through a FrameTxReq.
func (c *Coordinator) Transmit(unit int, vid uint16, ports dataplane.PortMask, frame []byte) error {
	if ports == 0 {
		return nil
	}
	if unit == c.unit {
		if c.ports == nil {
			return nil
		}
		return c.ports.Transmit(vid, ports, frame)
	}
	buf, err := Encode(Message{Type: MsgFrameTxReq, TxReq: &FrameTxReq{
		VID:   vid,
		Unit:  uint16(unit),
		Ports: ports,
		Frame: frame,
	}})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	if err := c.send(ctx, unit, buf); err != nil {
		return err
	}
	c.txReqSent.Add(1)
	return nil
}

// send delivers buf to unit. Failures are logged and counted; a message to
// a unit that is gone is dropped, never retried.
func (c *Coordinator) send(ctx context.Context, unit int, buf []byte) error {
	if c.tr == nil {
		return ErrUnitUnreachable
	}
	err := c.tr.Send(ctx, unit, buf)
	if err != nil {
		c.sendErrors.Add(1)
		if errors.Is(err, ErrUnitUnreachable) {
			slog.Info("stack: target unit gone, message dropped", "unit", unit, "err", err)
		} else {
			slog.Warn("stack: send failed", "unit", unit, "err", err)
		}
	}
	return err
}

func (c *Coordinator) deliver(from int, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		slog.Warn("stack: bad message", "from", from, "err", err)
		return
	}
	if msg.Type == MsgConfSet || msg.Type == MsgFrameTxReq {
		if !c.fromPrimary(from) {
			slog.Debug("stack: message from a unit that is not the primary, dropped",
				"type", msg.Type.String(), "from", from)
			c.dropped.Add(1)
			return
		}
	}
	switch msg.Type {
	case MsgConfSet:
		c.applyConf(msg.Conf)

	case MsgFrameRxInd:
		c.rxIndRecv.Add(1)
		if !c.IsPrimary() {
			slog.Debug("stack: rx indication while not primary, dropped", "from", from)
			c.dropped.Add(1)
			return
		}
		if c.pipe != nil {
			c.pipe.Push(msg.RxInd.Frame, msg.RxInd.VID, int(msg.RxInd.Unit), int(msg.RxInd.Port))
		}

	case MsgFrameTxReq:
		c.txReqRecv.Add(1)
		r := msg.TxReq
		if int(r.Unit) != c.unit {
			slog.Warn("stack: tx request for another unit", "unit", r.Unit, "local", c.unit)
			return
		}
		if c.ports == nil {
			return
		}
		if err := c.ports.Transmit(r.VID, r.Ports, r.Frame); err != nil {
			slog.Warn("stack: transmit failed", "vid", r.VID, "ports", r.Ports.String(), "err", err)
		}
	}
}

// fromPrimary reports whether unit is the primary this unit follows. A
// unit that is still loading follows no one.
func (c *Coordinator) fromPrimary(unit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role != RoleLoading && unit == c.primary
}

// applyConf turns ARP capture on for the enabled ports when inspection is
// on, and off everywhere otherwise.
func (c *Coordinator) applyConf(conf *Conf) {
	c.mu.Lock()
	cp := *conf
	cp.Ports = append([]PortConf(nil), conf.Ports...)
	c.lastConf = &cp
	c.mu.Unlock()
	c.confApplied.Add(1)

	if c.capture == nil {
		return
	}
	var mask dataplane.PortMask
	if conf.Enabled {
		for i, p := range conf.Ports {
			if p.Enabled {
				mask = mask.Set(uint32(i))
			}
		}
	}
	if err := c.capture.SetCapture(conf.Enabled, mask); err != nil {
		slog.Warn("stack: failed to apply capture config", "err", err)
	}
}

// LastConf returns the ConfSet last applied on this unit.
func (c *Coordinator) LastConf() (Conf, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastConf == nil {
		return Conf{}, false
	}
	return *c.lastConf, true
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		RxIndSent:   c.rxIndSent.Load(),
		RxIndRecv:   c.rxIndRecv.Load(),
		TxReqSent:   c.txReqSent.Load(),
		TxReqRecv:   c.txReqRecv.Load(),
		ConfSent:    c.confSent.Load(),
		ConfApplied: c.confApplied.Load(),
		SendErrors:  c.sendErrors.Load(),
		Dropped:     c.dropped.Load(),

		RelayDropped: c.relayDrops.Load(),
	}
}
