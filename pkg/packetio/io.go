package packetio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/psaab/arpinspect/pkg/dataplane"
)

// FrameConn is a frame-level connection to one local port.
type FrameConn interface {
	ReadFrame(buf []byte) (n int, vid uint16, tagged bool, err error)
	WriteFrame(frame []byte) error
	Close() error
}

// Handlers receive classified frames from local ports.
type Handlers struct {
	// ARP gets frames from ports with capture enabled.
	ARP func(frame []byte, vid uint16, port int) bool
	// DHCP gets every DHCP frame regardless of capture state.
	DHCP func(frame []byte, vid uint16, port int)
}

// Stats are cumulative port I/O counters.
type Stats struct {
	RxARP      uint64
	RxDHCP     uint64
	RxIgnored  uint64
	TxFrames   uint64
	TxDiscard  uint64
	TxNoLink   uint64
	TxErrors   uint64
	ReadErrors uint64
}

// IO owns the frame connections of the local unit's ports.
type IO struct {
	inv   *Inventory
	conns map[int]FrameConn

	captureOn   atomic.Bool
	captureMask atomic.Uint64

	rxARP, rxDHCP, rxIgnored      atomic.Uint64
	txFrames, txDiscard, txNoLink atomic.Uint64
	txErrors, readErrors          atomic.Uint64

	closeOnce sync.Once
}

// NewIO wraps already opened connections keyed by local port number.
func NewIO(inv *Inventory, conns map[int]FrameConn) *IO {
	return &IO{inv: inv, conns: conns}
}

// OpenPorts opens a raw socket with the capture program attached for
// every local port that names an interface.
func OpenPorts(inv *Inventory) (*IO, error) {
	prog, err := CaptureProgram()
	if err != nil {
		return nil, fmt.Errorf("assemble capture program: %w", err)
	}
	conns := make(map[int]FrameConn)
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}
	for p := 0; p < inv.PortCount(inv.local); p++ {
		spec, _ := inv.Spec(inv.local, p)
		if spec.Interface == "" {
			continue
		}
		s, err := OpenSocket(spec.Interface)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("port %d: %w", p, err)
		}
		if err := s.Attach(prog); err != nil {
			s.Close()
			closeAll()
			return nil, fmt.Errorf("port %d: %w", p, err)
		}
		conns[p] = s
	}
	slog.Info("port sockets opened", "unit", inv.local, "ports", len(conns))
	return NewIO(inv, conns), nil
}

// SetCapture enables or disables delivery of ARP frames from the given
// ports. A disabled capture delivers nothing.
func (io *IO) SetCapture(enabled bool, ports dataplane.PortMask) error {
	io.captureMask.Store(uint64(ports))
	io.captureOn.Store(enabled)
	slog.Info("ARP capture updated", "enabled", enabled, "ports", ports)
	return nil
}

// Capturing reports whether ARP frames from port are delivered.
func (io *IO) Capturing(port int) bool {
	return io.captureOn.Load() && port >= 0 && port < 64 &&
		dataplane.PortMask(io.captureMask.Load()).Has(uint32(port))
}

// Transmit sends frame, untagged as captured, out of every local port in
// ports that has link and is a member of vid. The tag is added per port.
func (io *IO) Transmit(vid uint16, ports dataplane.PortMask, frame []byte) error {
	var errs []error
	for p := 0; p < 64; p++ {
		if !ports.Has(uint32(p)) {
			continue
		}
		conn, ok := io.conns[p]
		if !ok {
			io.txDiscard.Add(1)
			continue
		}
		if !io.inv.LinkUp(io.inv.local, p) {
			io.txNoLink.Add(1)
			continue
		}
		out := frame
		switch io.inv.Treatment(io.inv.local, p, vid) {
		case Discard:
			io.txDiscard.Add(1)
			continue
		case Tagged:
			spec, _ := io.inv.Spec(io.inv.local, p)
			out = TagFrame(frame, spec.TPID, vid)
		}
		if err := conn.WriteFrame(out); err != nil {
			io.txErrors.Add(1)
			errs = append(errs, fmt.Errorf("port %d: %w", p, err))
			continue
		}
		io.txFrames.Add(1)
	}
	return errors.Join(errs...)
}

// Run reads every port until ctx is cancelled.
func (io *IO) Run(ctx context.Context, h Handlers) error {
	g, ctx := errgroup.WithContext(ctx)
	ports := make([]int, 0, len(io.conns))
	for p := range io.conns {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	for _, p := range ports {
		g.Go(func() error {
			return io.readLoop(ctx, p, io.conns[p], h)
		})
	}
	return g.Wait()
}

func (io *IO) readLoop(ctx context.Context, port int, conn FrameConn, h Handlers) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, vid, tagged, err := conn.ReadFrame(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			io.readErrors.Add(1)
			return fmt.Errorf("read port %d: %w", port, err)
		}
		io.dispatch(buf[:n], vid, tagged, port, h)
	}
}

// dispatch classifies one received frame. A VLAN reported out of band
// wins over an in-frame tag, which wins over the port's PVID.
func (io *IO) dispatch(frame []byte, vid uint16, tagged bool, port int, h Handlers) {
	etherType, tagVID, ok := frameVLAN(frame)
	if !ok {
		io.rxIgnored.Add(1)
		return
	}
	switch {
	case tagged:
	case tagVID != 0:
		vid = tagVID
	default:
		spec, _ := io.inv.Spec(io.inv.local, port)
		vid = spec.PVID
	}
	if vid == 0 {
		io.rxIgnored.Add(1)
		return
	}
	// Frames are handed off synchronously; handlers copy what they keep.
	switch etherType {
	case etherTypeARP:
		if h.ARP == nil || !io.Capturing(port) {
			io.rxIgnored.Add(1)
			return
		}
		io.rxARP.Add(1)
		h.ARP(frame, vid, port)
	case etherTypeIPv4:
		if h.DHCP == nil {
			io.rxIgnored.Add(1)
			return
		}
		io.rxDHCP.Add(1)
		h.DHCP(frame, vid, port)
	default:
		io.rxIgnored.Add(1)
	}
}

// frameVLAN returns the inner ethertype of a frame and the VID of its
// outermost 802.1Q or 802.1ad tag, 0 when untagged.
func frameVLAN(frame []byte) (etherType, vid uint16, ok bool) {
	if len(frame) < 14 {
		return 0, 0, false
	}
	off := 12
	etherType = binary.BigEndian.Uint16(frame[off:])
	for i := 0; i < 2 && (etherType == 0x8100 || etherType == 0x88a8); i++ {
		if len(frame) < off+8 {
			return 0, 0, false
		}
		if vid == 0 {
			vid = binary.BigEndian.Uint16(frame[off+2:]) & 0x0fff
		}
		off += 4
		etherType = binary.BigEndian.Uint16(frame[off:])
	}
	return etherType, vid, true
}

// Stats returns a snapshot of the I/O counters.
func (io *IO) Stats() Stats {
	return Stats{
		RxARP:      io.rxARP.Load(),
		RxDHCP:     io.rxDHCP.Load(),
		RxIgnored:  io.rxIgnored.Load(),
		TxFrames:   io.txFrames.Load(),
		TxDiscard:  io.txDiscard.Load(),
		TxNoLink:   io.txNoLink.Load(),
		TxErrors:   io.txErrors.Load(),
		ReadErrors: io.readErrors.Load(),
	}
}

// Close closes every port connection.
func (io *IO) Close() error {
	var errs []error
	io.closeOnce.Do(func() {
		for _, c := range io.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
