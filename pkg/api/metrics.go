package api

import (
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/arpinspect/pkg/binding"
)

// arpCollector implements prometheus.Collector, reading component
// counters on each scrape.
type arpCollector struct {
	srv *Server

	// Binding store
	bindings         *prometheus.Desc
	capacity         *prometheus.Desc
	thresholdCrossed *prometheus.Desc
	inspectionActive *prometheus.Desc

	// Validation engine
	framesTotal    *prometheus.Desc
	rejectedTotal  *prometheus.Desc
	forwardedTotal *prometheus.Desc
	txErrorsTotal  *prometheus.Desc
	loggedTotal    *prometheus.Desc

	// Reception pipeline
	pipelineFrames *prometheus.Desc
	queueDepth     *prometheus.Desc

	// Stacking
	stackPrimary  *prometheus.Desc
	stackMessages *prometheus.Desc
	stackErrors   *prometheus.Desc

	// Port I/O
	portFrames *prometheus.Desc

	dhcpLeasesActive *prometheus.Desc
	dhcpIgnored      *prometheus.Desc
}

func newCollector(srv *Server) *arpCollector {
	return &arpCollector{
		srv: srv,

		bindings: prometheus.NewDesc(
			"arpinspect_bindings",
			"Number of bindings held, by kind.",
			[]string{"kind"}, nil,
		),
		capacity: prometheus.NewDesc(
			"arpinspect_binding_capacity",
			"Maximum number of bindings across both kinds.",
			nil, nil,
		),
		thresholdCrossed: prometheus.NewDesc(
			"arpinspect_threshold_crossed",
			"1 while the maximum-entries threshold is crossed.",
			nil, nil,
		),
		inspectionActive: prometheus.NewDesc(
			"arpinspect_inspection_enabled",
			"1 when ARP inspection is globally enabled.",
			nil, nil,
		),
		framesTotal: prometheus.NewDesc(
			"arpinspect_frames_total",
			"Total ARP frames accepted, by verdict.",
			[]string{"verdict"}, nil,
		),
		rejectedTotal: prometheus.NewDesc(
			"arpinspect_rejected_total",
			"Total ARP frames rejected, by reason.",
			[]string{"reason"}, nil,
		),
		forwardedTotal: prometheus.NewDesc(
			"arpinspect_forwarded_total",
			"Total per-unit transmit requests for accepted frames.",
			nil, nil,
		),
		txErrorsTotal: prometheus.NewDesc(
			"arpinspect_tx_errors_total",
			"Total failed per-unit transmit requests.",
			nil, nil,
		),
		loggedTotal: prometheus.NewDesc(
			"arpinspect_events_logged_total",
			"Total deny/permit events written to the event log.",
			nil, nil,
		),
		pipelineFrames: prometheus.NewDesc(
			"arpinspect_pipeline_frames_total",
			"Reception pipeline frame counters, by result.",
			[]string{"result"}, nil,
		),
		queueDepth: prometheus.NewDesc(
			"arpinspect_pipeline_queue_depth",
			"Frames waiting in the reception ring.",
			nil, nil,
		),
		stackPrimary: prometheus.NewDesc(
			"arpinspect_stack_primary",
			"1 when this unit is the stack primary.",
			[]string{"unit"}, nil,
		),
		stackMessages: prometheus.NewDesc(
			"arpinspect_stack_messages_total",
			"Stacking messages, by type and direction.",
			[]string{"type", "direction"}, nil,
		),
		stackErrors: prometheus.NewDesc(
			"arpinspect_stack_errors_total",
			"Stacking failures, by kind.",
			[]string{"kind"}, nil,
		),
		portFrames: prometheus.NewDesc(
			"arpinspect_port_frames_total",
			"Frames through local port sockets, by direction and result.",
			[]string{"direction", "result"}, nil,
		),
		dhcpLeasesActive: prometheus.NewDesc(
			"arpinspect_dhcp_leases_active",
			"Number of snooped DHCP leases.",
			nil, nil,
		),
		dhcpIgnored: prometheus.NewDesc(
			"arpinspect_dhcp_ignored_total",
			"DHCP messages the snooper refused to act on, by reason.",
			[]string{"reason"}, nil,
		),
	}
}

func (c *arpCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bindings
	ch <- c.capacity
	ch <- c.thresholdCrossed
	ch <- c.inspectionActive
	ch <- c.framesTotal
	ch <- c.rejectedTotal
	ch <- c.forwardedTotal
	ch <- c.txErrorsTotal
	ch <- c.loggedTotal
	ch <- c.pipelineFrames
	ch <- c.queueDepth
	ch <- c.stackPrimary
	ch <- c.stackMessages
	ch <- c.stackErrors
	ch <- c.portFrames
	ch <- c.dhcpLeasesActive
	ch <- c.dhcpIgnored
}

func (c *arpCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectStore(ch)
	c.collectEngine(ch)
	c.collectPipeline(ch)
	c.collectStack(ch)
	c.collectPortIO(ch)
	c.collectDHCP(ch)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (c *arpCollector) collectStore(ch chan<- prometheus.Metric) {
	if c.srv.mgr == nil {
		return
	}
	st := c.srv.mgr.Store()
	ch <- prometheus.MustNewConstMetric(c.bindings, prometheus.GaugeValue,
		float64(st.CountKind(binding.Static)), "static")
	ch <- prometheus.MustNewConstMetric(c.bindings, prometheus.GaugeValue,
		float64(st.CountKind(binding.Dynamic)), "dynamic")
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue,
		float64(st.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.thresholdCrossed, prometheus.GaugeValue,
		boolGauge(st.Crossed()))
	ch <- prometheus.MustNewConstMetric(c.inspectionActive, prometheus.GaugeValue,
		boolGauge(c.srv.mgr.Mode()))
}

func (c *arpCollector) collectEngine(ch chan<- prometheus.Metric) {
	if c.srv.mgr == nil {
		return
	}
	s := c.srv.mgr.Stats()
	ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue,
		float64(s.Accepted), "binding")
	ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue,
		float64(s.Trusted), "trusted")

	reasons := make([]string, 0, len(s.Rejected))
	for r := range s.Rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		ch <- prometheus.MustNewConstMetric(c.rejectedTotal, prometheus.CounterValue,
			float64(s.Rejected[r]), r)
	}

	ch <- prometheus.MustNewConstMetric(c.forwardedTotal, prometheus.CounterValue,
		float64(s.Forwarded))
	ch <- prometheus.MustNewConstMetric(c.txErrorsTotal, prometheus.CounterValue,
		float64(s.TxErrors))
	ch <- prometheus.MustNewConstMetric(c.loggedTotal, prometheus.CounterValue,
		float64(s.Logged))
}

func (c *arpCollector) collectPipeline(ch chan<- prometheus.Metric) {
	p := c.srv.pipe
	if p == nil {
		return
	}
	s := p.Stats()
	for _, v := range []struct {
		result string
		n      uint64
	}{
		{"pushed", s.Pushed},
		{"processed", s.Processed},
		{"dropped_full", s.DroppedFull},
		{"dropped_suspended", s.DroppedSuspend},
		{"dropped_oversize", s.DroppedOversize},
		{"flushed", s.Flushed},
	} {
		ch <- prometheus.MustNewConstMetric(c.pipelineFrames, prometheus.CounterValue,
			float64(v.n), v.result)
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
		float64(p.Len()))
}

func (c *arpCollector) collectStack(ch chan<- prometheus.Metric) {
	co := c.srv.stack
	if co == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.stackPrimary, prometheus.GaugeValue,
		boolGauge(co.IsPrimary()), strconv.Itoa(co.LocalUnit()))

	s := co.Stats()
	for _, v := range []struct {
		typ, dir string
		n        uint64
	}{
		{"rx_indication", "sent", s.RxIndSent},
		{"rx_indication", "received", s.RxIndRecv},
		{"tx_request", "sent", s.TxReqSent},
		{"tx_request", "received", s.TxReqRecv},
		{"conf_set", "sent", s.ConfSent},
		{"conf_set", "applied", s.ConfApplied},
	} {
		ch <- prometheus.MustNewConstMetric(c.stackMessages, prometheus.CounterValue,
			float64(v.n), v.typ, v.dir)
	}
	ch <- prometheus.MustNewConstMetric(c.stackErrors, prometheus.CounterValue,
		float64(s.SendErrors), "send")
	ch <- prometheus.MustNewConstMetric(c.stackErrors, prometheus.CounterValue,
		float64(s.Dropped), "dropped")
	ch <- prometheus.MustNewConstMetric(c.stackErrors, prometheus.CounterValue,
		float64(s.RelayDropped), "relay_dropped")
}

func (c *arpCollector) collectPortIO(ch chan<- prometheus.Metric) {
	if c.srv.portIO == nil {
		return
	}
	s := c.srv.portIO.Stats()
	for _, v := range []struct {
		dir, result string
		n           uint64
	}{
		{"rx", "arp", s.RxARP},
		{"rx", "dhcp", s.RxDHCP},
		{"rx", "ignored", s.RxIgnored},
		{"rx", "error", s.ReadErrors},
		{"tx", "sent", s.TxFrames},
		{"tx", "discard", s.TxDiscard},
		{"tx", "no_link", s.TxNoLink},
		{"tx", "error", s.TxErrors},
	} {
		ch <- prometheus.MustNewConstMetric(c.portFrames, prometheus.CounterValue,
			float64(v.n), v.dir, v.result)
	}
}

func (c *arpCollector) collectDHCP(ch chan<- prometheus.Metric) {
	if c.srv.leases == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.dhcpLeasesActive, prometheus.GaugeValue,
		float64(len(c.srv.leases.Leases())))
	s := c.srv.leases.Stats()
	ch <- prometheus.MustNewConstMetric(c.dhcpIgnored, prometheus.CounterValue,
		float64(s.UntrustedReplies), "untrusted_reply")
	ch <- prometheus.MustNewConstMetric(c.dhcpIgnored, prometheus.CounterValue,
		float64(s.MisplacedReleases), "misplaced_release")
}
