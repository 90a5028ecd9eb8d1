// Package daemon implements the arpinspectd lifecycle: it wires the binding
// store, inspection manager, reception pipeline, stacking coordinator and
// port I/O together and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psaab/arpinspect/pkg/api"
	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/config"
	"github.com/psaab/arpinspect/pkg/configstore"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
	"github.com/psaab/arpinspect/pkg/inspect"
	"github.com/psaab/arpinspect/pkg/linkmon"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/packetio"
	"github.com/psaab/arpinspect/pkg/pipeline"
	"github.com/psaab/arpinspect/pkg/stack"
	"github.com/psaab/arpinspect/pkg/threshold"
)

// Options configures the daemon.
type Options struct {
	Config *config.Config
	// NoPortIO runs without raw sockets or netlink; nothing is captured
	// or transmitted.
	NoPortIO bool
}

// Daemon is the main arpinspect daemon.
type Daemon struct {
	cfg  *config.Config
	opts Options

	inv      *packetio.Inventory
	filter   dataplane.Filter
	notifier *threshold.Notifier
	store    *binding.Store
	events   *logging.EventBuffer
	snooper  *dhcpsnoop.Snooper
	pipe     *pipeline.Pipeline
	tr       *stack.GRPCTransport
	portIO   *packetio.IO
	coord    *stack.Coordinator
	persist  *configstore.Store
	mgr      *inspect.Manager
	links    *linkmon.Monitor
	api      *api.Server

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds every component. Nothing runs until Run.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: no configuration")
	}
	d := &Daemon{cfg: cfg, opts: opts, ready: make(chan struct{})}

	inv, err := packetio.NewInventory(cfg.Unit, portSpecs(cfg.Ports))
	if err != nil {
		return nil, fmt.Errorf("port inventory: %w", err)
	}
	d.inv = inv

	d.filter = newFilter(cfg.Dataplane.PinDir)
	d.notifier = threshold.New()
	d.store = binding.NewStore(cfg.Inspect.MaxEntries, d.filter, d.notifier)
	d.store.MirrorUnit(cfg.Unit)

	d.events = logging.NewEventBuffer(cfg.Inspect.EventLogSize)
	if cfg.Inspect.EventSyslog != "" {
		sev, _ := logging.ParseSeverity(cfg.Inspect.EventSyslogSeverity)
		c, err := logging.NewSyslogClient(cfg.Inspect.EventSyslog, sev)
		if err != nil {
			slog.Warn("failed to create event syslog client",
				"target", cfg.Inspect.EventSyslog, "err", err)
		} else {
			d.events.SetSyslogClients([]*logging.SyslogClient{c})
		}
	}

	d.snooper = dhcpsnoop.New(dhcpsnoop.Options{Trusted: dhcpTrust(cfg.Ports)})
	d.pipe = pipeline.New(pipeline.Options{
		Slots:      cfg.Inspect.RingSlots,
		CustomTPID: cfg.Inspect.CustomTPID,
	}, func(f pipeline.Frame) { d.mgr.DecideAndForward(f) })

	peers := make(map[int]string, len(cfg.Stack.Peers))
	for _, p := range cfg.Stack.Peers {
		peers[p.Unit] = p.Address
	}
	d.tr = stack.NewGRPCTransport(cfg.Unit, peers)

	if opts.NoPortIO {
		d.portIO = packetio.NewIO(inv, nil)
	} else {
		pio, err := packetio.OpenPorts(inv)
		if err != nil {
			d.filter.Close()
			return nil, fmt.Errorf("open ports: %w", err)
		}
		d.portIO = pio
	}

	d.coord = stack.New(stack.Options{
		Unit:      cfg.Unit,
		Transport: d.tr,
		Pipeline:  d.pipe,
		Ports:     d.portIO,
		Capture:   d.portIO,
	})

	d.persist = configstore.New(cfg.State.File, cfg.Inspect.MaxEntries)
	d.mgr = inspect.NewManager(inspect.Options{
		Store:    d.store,
		Filter:   d.filter,
		Stack:    d.coord,
		Topology: inv,
		Leases:   d.snooper,
		Events:   d.events,
		Persist:  d.persist,
	})
	d.coord.SetConfSource(d.mgr)

	if !opts.NoPortIO {
		ifaces := make(map[string]int)
		for _, p := range cfg.Ports {
			if p.Unit == cfg.Unit && p.Interface != "" {
				ifaces[p.Interface] = p.Port
			}
		}
		d.links = linkmon.New(ifaces, cfg.LinkPoll, d.linkChanged)
	}

	if cfg.Metrics.Listen != "" {
		d.api = api.NewServer(api.Config{
			Addr:        cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			Manager:     d.mgr,
			Pipeline:    d.pipe,
			Stack:       d.coord,
			PortIO:      d.portIO,
			Leases:      d.snooper,
			EventBuf:    d.events,
		})
	}
	return d, nil
}

func portSpecs(ports []config.PortConfig) []packetio.PortSpec {
	specs := make([]packetio.PortSpec, 0, len(ports))
	for _, p := range ports {
		specs = append(specs, packetio.PortSpec{
			SwitchID:  p.Unit,
			Port:      p.Port,
			Interface: p.Interface,
			PVID:      p.PVID,
			Tagged:    p.Tagged,
			TPID:      p.TPID,
		})
	}
	return specs
}

// dhcpTrust returns the set of ports marked dhcp_trusted as a lookup.
func dhcpTrust(ports []config.PortConfig) func(switchID, port int) bool {
	type ref struct{ unit, port int }
	trusted := make(map[ref]bool)
	for _, p := range ports {
		if p.DHCPTrusted {
			trusted[ref{p.Unit, p.Port}] = true
		}
	}
	if len(trusted) == 0 {
		slog.Warn("no dhcp_trusted ports configured, DHCP leases will not be learned")
	}
	return func(switchID, port int) bool { return trusted[ref{switchID, port}] }
}

// newFilter opens the pinned eBPF maps, falling back to the in-memory
// filter when none are configured or they cannot be opened.
func newFilter(pinDir string) dataplane.Filter {
	if pinDir == "" {
		return dataplane.NewMemoryFilter()
	}
	f, err := dataplane.NewMapFilter(pinDir)
	if err != nil {
		slog.Warn("failed to open pinned filter maps, keeping rules in memory",
			"dir", pinDir, "err", err)
		return dataplane.NewMemoryFilter()
	}
	return f
}

// Manager returns the inspection manager.
func (d *Daemon) Manager() *inspect.Manager { return d.mgr }

// Coordinator returns the stacking coordinator.
func (d *Daemon) Coordinator() *stack.Coordinator { return d.coord }

// Ready is closed once the local role has been applied.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting arpinspect daemon",
		"unit", d.cfg.Unit,
		"primary", d.cfg.Stack.Primary,
		"state", d.cfg.State.File,
		"pid", os.Getpid())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.pipe.Run(ctx)
		return nil
	})
	g.Go(func() error {
		d.coord.Run(ctx)
		return nil
	})
	g.Go(func() error {
		d.snooper.Run(ctx, d.cfg.DHCP.ExpireInterval)
		return nil
	})
	g.Go(func() error {
		return d.watchThreshold(ctx)
	})
	if d.cfg.Stack.Listen != "" {
		g.Go(func() error {
			return d.tr.Run(ctx, d.cfg.Stack.Listen)
		})
	}
	g.Go(func() error {
		return d.portIO.Run(ctx, packetio.Handlers{
			ARP:  d.coord.Capture,
			DHCP: d.dhcpFrame,
		})
	})
	if d.links != nil {
		d.links.Start(ctx)
	}
	if d.api != nil {
		g.Go(func() error {
			return d.api.Run(ctx)
		})
	}
	g.Go(func() error {
		return d.roleLoop(ctx)
	})
	g.Go(func() error {
		d.resyncLoop(ctx)
		return nil
	})

	for _, p := range d.cfg.Stack.Peers {
		d.inv.SetPresent(p.Unit, true)
	}
	if d.cfg.Stack.Primary == d.cfg.Unit {
		d.coord.SetRole(stack.RolePrimary, d.cfg.Unit)
	} else {
		d.coord.SetRole(stack.RoleSecondary, d.cfg.Stack.Primary)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if d.links != nil {
		d.links.Stop()
	}
	err := g.Wait()

	d.pipe.Suspend()
	logFinalStats(d.mgr.Stats(), d.pipe.Stats(), d.coord.Stats())
	d.close()
	slog.Info("shutdown complete")
	return err
}

func (d *Daemon) close() {
	if err := d.portIO.Close(); err != nil {
		slog.Warn("failed to close port sockets", "err", err)
	}
	if err := d.tr.Close(); err != nil {
		slog.Warn("failed to close stack transport", "err", err)
	}
	// Pinned maps outlive the daemon; only the handles are released.
	if err := d.filter.Close(); err != nil {
		slog.Warn("failed to close filter", "err", err)
	}
	d.events.SetSyslogClients(nil)
}

// roleLoop reacts to local role changes. Becoming primary reloads the
// persisted table and pushes configuration to every member.
func (d *Daemon) roleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.coord.Events():
			slog.Info("stack role changed", "role", ev.Role, "primary", ev.PrimaryUnit)
			if ev.Role == stack.RolePrimary {
				d.becomePrimary(ctx)
			}
			d.readyOnce.Do(func() { close(d.ready) })
		}
	}
}

func (d *Daemon) becomePrimary(ctx context.Context) {
	st, err := d.persist.Load()
	if err == nil {
		err = d.mgr.LoadConfig(ctx, st)
	}
	if err != nil {
		slog.Warn("failed to load inspection state, starting with defaults",
			"file", d.persist.Path(), "err", err)
	} else {
		slog.Info("inspection state loaded",
			"file", d.persist.Path(),
			"enabled", st.Enabled,
			"static", len(st.Static))
	}
	for _, p := range d.cfg.Stack.Peers {
		if err := d.coord.UnitJoined(ctx, p.Unit); err != nil {
			slog.Warn("failed to register stack member", "unit", p.Unit, "err", err)
		}
	}
}

func (d *Daemon) resyncLoop(ctx context.Context) {
	interval := d.cfg.Stack.Resync
	if interval <= 0 || len(d.cfg.Stack.Peers) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.coord.IsPrimary() {
				continue
			}
			if err := d.coord.PropagateConf(ctx); err != nil && !errors.Is(err, stack.ErrNotPrimary) {
				slog.Warn("configuration resync failed", "err", err)
			}
		}
	}
}

func (d *Daemon) watchThreshold(ctx context.Context) error {
	sub := d.notifier.Subscribe(4)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C:
			if ev.Crossed {
				slog.Warn("binding table full, maximum entries reached",
					"capacity", d.store.Capacity())
			} else {
				slog.Info("binding table below maximum entries",
					"count", d.store.Count(), "capacity", d.store.Capacity())
			}
		}
	}
}

func (d *Daemon) linkChanged(port int, up bool) {
	d.inv.SetLink(d.cfg.Unit, port, up)
	d.mgr.HandleLink(d.cfg.Unit, port, up)
}

func (d *Daemon) dhcpFrame(frame []byte, vid uint16, port int) {
	if err := d.snooper.HandlePacket(d.cfg.Unit, port, vid, frame); err != nil {
		slog.Debug("dhcpsnoop: frame not parsed", "port", port, "vid", vid, "err", err)
	}
}

// logFinalStats logs a counter summary before shutdown.
func logFinalStats(m inspect.Stats, p pipeline.Stats, s stack.Stats) {
	var rejected uint64
	for _, n := range m.Rejected {
		rejected += n
	}
	slog.Info("final statistics",
		"accepted", m.Accepted,
		"trusted", m.Trusted,
		"rejected", rejected,
		"forwarded", m.Forwarded,
		"tx_errors", m.TxErrors,
		"pipeline_pushed", p.Pushed,
		"pipeline_dropped", p.DroppedFull+p.DroppedSuspend+p.DroppedOversize,
		"stack_send_errors", s.SendErrors,
		"stack_relay_dropped", s.RelayDropped)
}
