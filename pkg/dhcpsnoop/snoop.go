// Package dhcpsnoop watches DHCPv4 traffic captured on switch ports and
// keeps the table of leases the server has handed out. Consumers receive
// assigned/released events for each change.
package dhcpsnoop

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

const (
	serverPort = 67
	clientPort = 68

	// defaultLeaseTime applies when an ACK carries no lease time option.
	defaultLeaseTime = time.Hour
)

// EventKind says whether a lease was assigned or released.
type EventKind int

const (
	Assigned EventKind = iota
	Released
)

func (k EventKind) String() string {
	if k == Assigned {
		return "assigned"
	}
	return "released"
}

// Lease is an address the DHCP server assigned to a client seen on a port.
type Lease struct {
	MAC      [6]byte
	IP       netip.Addr
	VID      uint16
	SwitchID int
	Port     int
	Expires  time.Time
}

// Event is one lease change.
type Event struct {
	Kind  EventKind
	Lease Lease
}

type leaseKey struct {
	mac [6]byte
	vid uint16
}

type clientPortRef struct {
	switchID int
	port     int
	seen     time.Time
}

// Options configures a Snooper.
type Options struct {
	// Trusted reports whether DHCP server replies may be accepted on
	// (switchID, port). A nil Trusted trusts no port.
	Trusted func(switchID, port int) bool
}

// Stats counts DHCP messages the snooper refused to act on.
type Stats struct {
	UntrustedReplies  uint64
	MisplacedReleases uint64
}

// Snooper parses captured DHCP frames into lease events.
type Snooper struct {
	mu      sync.Mutex
	leases  map[leaseKey]Lease
	clients map[leaseKey]clientPortRef // port where the client's last request was seen
	subs    map[int]func(Event)
	nextSub int
	now     func() time.Time
	trusted func(switchID, port int) bool

	untrusted atomic.Uint64
	misplaced atomic.Uint64
}

// New creates an empty Snooper.
func New(opts Options) *Snooper {
	trusted := opts.Trusted
	if trusted == nil {
		trusted = func(int, int) bool { return false }
	}
	return &Snooper{
		leases:  make(map[leaseKey]Lease),
		clients: make(map[leaseKey]clientPortRef),
		subs:    make(map[int]func(Event)),
		now:     time.Now,
		trusted: trusted,
	}
}

// Stats returns the refusal counters.
func (s *Snooper) Stats() Stats {
	return Stats{
		UntrustedReplies:  s.untrusted.Load(),
		MisplacedReleases: s.misplaced.Load(),
	}
}

// Subscribe registers fn for lease events. The returned function cancels
// the subscription. fn is called without the snooper's lock held.
func (s *Snooper) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Leases returns the current leases ordered by MAC then VLAN.
func (s *Snooper) Leases() []Lease {
	s.mu.Lock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].MAC[:], out[j].MAC[:]); c != 0 {
			return c < 0
		}
		return out[i].VID < out[j].VID
	})
	return out
}

// HandlePacket processes one captured Ethernet frame received on
// (switchID, port) in VLAN vid. Frames that are not DHCPv4 are ignored.
// Server replies count only on trusted ports, and a client may only
// release a lease from the port the lease was bound to.
func (s *Snooper) HandlePacket(switchID, port int, vid uint16, frame []byte) error {
	udp, payload, err := decodeUDP(frame)
	if err != nil {
		return err
	}
	if udp == nil {
		return nil
	}
	src, dst := uint16(udp.SrcPort), uint16(udp.DstPort)
	if !(src == clientPort && dst == serverPort) && !(src == serverPort && dst == clientPort) {
		return nil
	}

	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return fmt.Errorf("parse DHCPv4: %w", err)
	}
	if len(msg.ClientHWAddr) != 6 {
		return nil
	}
	var mac [6]byte
	copy(mac[:], msg.ClientHWAddr)
	key := leaseKey{mac: mac, vid: vid}

	mt := msg.MessageType()
	if (mt == dhcpv4.MessageTypeAck || mt == dhcpv4.MessageTypeNak) && !s.trusted(switchID, port) {
		s.untrusted.Add(1)
		slog.Debug("dhcpsnoop: server reply on untrusted port, ignored",
			"type", mt.String(), "mac", net.HardwareAddr(mac[:]).String(),
			"switch", switchID, "port", port, "vid", vid)
		return nil
	}

	var events []Event
	now := s.now()

	s.mu.Lock()
	switch mt {
	case dhcpv4.MessageTypeDiscover, dhcpv4.MessageTypeRequest:
		if src == clientPort {
			s.clients[key] = clientPortRef{switchID: switchID, port: port, seen: now}
		}
	case dhcpv4.MessageTypeAck:
		events = s.ackLocked(key, msg, now)
	case dhcpv4.MessageTypeNak:
		events = s.releaseLocked(key)
	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		if src != clientPort {
			break
		}
		if old, ok := s.leases[key]; ok && (old.SwitchID != switchID || old.Port != port) {
			s.misplaced.Add(1)
			slog.Debug("dhcpsnoop: release from a port other than the lease's, ignored",
				"type", mt.String(), "mac", net.HardwareAddr(mac[:]).String(),
				"switch", switchID, "port", port, "lease_switch", old.SwitchID, "lease_port", old.Port)
			break
		}
		events = s.releaseLocked(key)
	}
	subs := s.subscribersLocked(len(events))
	s.mu.Unlock()

	s.notify(subs, events)
	return nil
}

func (s *Snooper) ackLocked(key leaseKey, msg *dhcpv4.DHCPv4, now time.Time) []Event {
	ip, ok := netip.AddrFromSlice(msg.YourIPAddr.To4())
	if !ok || ip.IsUnspecified() {
		// ACK to an INFORM carries no address.
		return nil
	}
	client, ok := s.clients[key]
	if !ok {
		slog.Debug("dhcpsnoop: ACK without a snooped request", "mac", net.HardwareAddr(key.mac[:]).String(), "vid", key.vid)
		return nil
	}
	lease := Lease{
		MAC:      key.mac,
		IP:       ip,
		VID:      key.vid,
		SwitchID: client.switchID,
		Port:     client.port,
		Expires:  now.Add(msg.IPAddressLeaseTime(defaultLeaseTime)),
	}

	var events []Event
	if old, ok := s.leases[key]; ok {
		if old.IP == lease.IP && old.SwitchID == lease.SwitchID && old.Port == lease.Port {
			// Renewal.
			s.leases[key] = lease
			return nil
		}
		events = append(events, Event{Kind: Released, Lease: old})
	}
	s.leases[key] = lease
	return append(events, Event{Kind: Assigned, Lease: lease})
}

func (s *Snooper) releaseLocked(key leaseKey) []Event {
	old, ok := s.leases[key]
	if !ok {
		return nil
	}
	delete(s.leases, key)
	return []Event{{Kind: Released, Lease: old}}
}

func (s *Snooper) subscribersLocked(n int) []func(Event) {
	if n == 0 {
		return nil
	}
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (s *Snooper) notify(subs []func(Event), events []Event) {
	for _, ev := range events {
		slog.Debug("dhcpsnoop: lease "+ev.Kind.String(),
			"mac", net.HardwareAddr(ev.Lease.MAC[:]).String(), "ip", ev.Lease.IP,
			"vid", ev.Lease.VID, "switch", ev.Lease.SwitchID, "port", ev.Lease.Port)
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Expire releases every lease whose expiry is not after now and returns
// how many were released.
func (s *Snooper) Expire(now time.Time) int {
	var events []Event
	s.mu.Lock()
	for k, l := range s.leases {
		if !l.Expires.After(now) {
			delete(s.leases, k)
			events = append(events, Event{Kind: Released, Lease: l})
		}
	}
	for k, c := range s.clients {
		if now.Sub(c.seen) > defaultLeaseTime {
			delete(s.clients, k)
		}
	}
	subs := s.subscribersLocked(len(events))
	s.mu.Unlock()

	s.notify(subs, events)
	return len(events)
}

// Run sweeps expired leases every interval until ctx is cancelled.
func (s *Snooper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if n := s.Expire(t); n > 0 {
				slog.Info("dhcpsnoop: leases expired", "count", n)
			}
		}
	}
}

// decodeUDP returns the UDP header and payload of an IPv4 frame, or a nil
// header for anything else.
func decodeUDP(frame []byte) (*layers.UDP, []byte, error) {
	var (
		eth   layers.Ethernet
		dot1q layers.Dot1Q
		ip4   layers.IPv4
		udp   layers.UDP
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &dot1q, &ip4, &udp)
	parser.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 4)
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}
	for _, lt := range decoded {
		if lt == layers.LayerTypeUDP {
			return &udp, udp.Payload, nil
		}
	}
	return nil, nil, nil
}
