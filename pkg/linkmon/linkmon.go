// Package linkmon polls the link state of the local unit's port
// interfaces and reports transitions.
package linkmon

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = time.Second

// ChangeFunc is called for every port whose link state changed. The first
// poll reports every port.
type ChangeFunc func(port int, up bool)

// nlLinkGetter abstracts netlink.Handle.LinkByName for testing.
type nlLinkGetter interface {
	LinkByName(name string) (netlink.Link, error)
}

// Monitor polls interfaces backing switch ports.
type Monitor struct {
	ports    map[string]int // interface name -> port
	interval time.Duration
	onChange ChangeFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	up     map[string]bool // last reported state; absent until first poll

	// nlHandle can be overridden for testing.
	nlHandle nlLinkGetter
}

// New creates a monitor for the given interface-to-port map.
func New(ports map[string]int, interval time.Duration, fn ChangeFunc) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		ports:    ports,
		interval: interval,
		onChange: fn,
		up:       make(map[string]bool),
	}
}

// Start begins periodic polling. Safe to call multiple times (stops previous).
func (mon *Monitor) Start(ctx context.Context) {
	mon.Stop()

	mon.mu.Lock()
	defer mon.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	mon.cancel = cancel

	mon.wg.Add(1)
	go mon.loop(ctx)
}

// Stop halts the polling goroutine and waits for it to exit.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	cancel := mon.cancel
	mon.cancel = nil
	mon.mu.Unlock()

	if cancel != nil {
		cancel()
		mon.wg.Wait()
	}
}

func (mon *Monitor) loop(ctx context.Context) {
	defer mon.wg.Done()

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	mon.poll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.poll()
		}
	}
}

// LinkUp returns the last polled state of an interface.
func (mon *Monitor) LinkUp(name string) (up, known bool) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	up, known = mon.up[name]
	return up, known
}

func (mon *Monitor) poll() {
	nlh := mon.getNlHandle()

	names := make([]string, 0, len(mon.ports))
	for name := range mon.ports {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		up := false
		if link, err := nlh.LinkByName(name); err == nil {
			up = linkUp(link.Attrs())
		}

		mon.mu.Lock()
		was, known := mon.up[name]
		mon.up[name] = up
		mon.mu.Unlock()

		if known && was == up {
			continue
		}
		port := mon.ports[name]
		if known {
			slog.Info("link state changed", "interface", name, "port", port, "up", up)
		}
		if mon.onChange != nil {
			mon.onChange(port, up)
		}
	}
}

// linkUp treats an interface without operational state reporting as up
// when it is administratively up.
func linkUp(a *netlink.LinkAttrs) bool {
	switch a.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return a.Flags&net.FlagUp != 0
	default:
		return false
	}
}

func (mon *Monitor) getNlHandle() nlLinkGetter {
	if mon.nlHandle != nil {
		return mon.nlHandle
	}
	h, err := netlink.NewHandle()
	if err != nil {
		slog.Warn("linkmon: failed to create netlink handle", "err", err)
		return &noopNlHandle{}
	}
	mon.nlHandle = h
	return h
}

type noopNlHandle struct{}

func (n *noopNlHandle) LinkByName(name string) (netlink.Link, error) {
	return nil, net.UnknownNetworkError("no netlink handle")
}
