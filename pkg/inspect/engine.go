package inspect

import (
	"bytes"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/pipeline"
)

// IsTrusted reports whether ARP on (switch, port, vid) bypasses
// inspection. A port with inspection off is trusted; with inspection on
// and VLAN checking off it is untrusted on every VLAN; with both on it is
// untrusted only on checked VLANs.
func (m *Manager) IsTrusted(switchID, port int, vid uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trustedLocked(PortRef{switchID, port}, vid)
}

func (m *Manager) trustedLocked(ref PortRef, vid uint16) bool {
	pc := m.ports[ref]
	if !pc.Enabled {
		return true
	}
	if !pc.CheckVLAN {
		return false
	}
	return !m.vlans[vid].Checked
}

// arpInfo is what the engine needs from a decoded ARP frame.
type arpInfo struct {
	sha binding.MAC
	spa netip.Addr
}

func decodeARP(frame []byte) (*layers.Ethernet, *layers.ARP, bool) {
	var (
		eth     layers.Ethernet
		arp     layers.ARP
		decoded []gopacket.LayerType
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &arp)
	parser.IgnoreUnsupported = true
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil, nil, false
	}
	if len(decoded) < 2 || decoded[1] != layers.LayerTypeARP {
		return nil, nil, false
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return nil, nil, false
	}
	return &eth, &arp, true
}

// IngressCheck validates a tag-stripped ARP frame received on
// (switchID, port, vid).
func (m *Manager) IngressCheck(frame []byte, switchID, port int, vid uint16) Verdict {
	v, _ := m.ingress(frame, switchID, port, vid)
	return v
}

func (m *Manager) ingress(frame []byte, switchID, port int, vid uint16) (Verdict, arpInfo) {
	if m.IsTrusted(switchID, port, vid) {
		return Verdict{Accept: true, Reason: ReasonTrusted}, arpInfo{}
	}
	eth, arp, ok := decodeARP(frame)
	if !ok {
		return Verdict{Reason: ReasonMalformed}, arpInfo{}
	}
	info := arpInfo{
		sha: binding.MACFrom(arp.SourceHwAddress),
		spa: netip.AddrFrom4([4]byte(arp.SourceProtAddress)),
	}
	if !bytes.Equal(eth.SrcMAC, arp.SourceHwAddress) {
		slog.Debug("inspect: smac != sha", "smac", eth.SrcMAC.String(), "sha", info.sha.String())
		return Verdict{Reason: ReasonSMAC}, info
	}
	if !bytes.Equal(eth.DstMAC, layers.EthernetBroadcast) && !bytes.Equal(eth.DstMAC, arp.DstHwAddress) {
		slog.Debug("inspect: unicast dmac != tha", "dmac", eth.DstMAC.String())
		return Verdict{Reason: ReasonDMAC}, info
	}

	// An ARP probe has no sender address yet; it claims the target.
	claimed := info.spa
	if claimed.IsUnspecified() {
		claimed = netip.AddrFrom4([4]byte(arp.DstProtAddress))
	}
	key := binding.Key{SwitchID: switchID, Port: port, VID: vid, MAC: info.sha, IP: claimed}
	if _, ok := m.store.Lookup(key); ok {
		return Verdict{Accept: true, Reason: ReasonBinding}, info
	}
	return Verdict{Reason: ReasonNoBinding}, info
}

// EgressCheck decides whether a frame accepted on from may leave on to.
func (m *Manager) EgressCheck(from, to PortRef, vid uint16) Verdict {
	if from == to {
		return Verdict{Reason: ReasonIngressPort}
	}
	if !m.topo.LinkUp(to.SwitchID, to.Port) {
		return Verdict{Reason: ReasonNoLink}
	}
	if !m.topo.Forwards(from.SwitchID, from.Port, to.SwitchID, to.Port, vid) {
		return Verdict{Reason: ReasonFabric}
	}
	return Verdict{Accept: true}
}

// unitsLocalFirst returns the stack units with the local unit first.
func (m *Manager) unitsLocalFirst() []int {
	local := m.stack.LocalUnit()
	units := m.topo.Units()
	out := make([]int, 0, len(units)+1)
	out = append(out, local)
	for _, u := range units {
		if u != local {
			out = append(out, u)
		}
	}
	return out
}

// DecideAndForward is the pipeline handler: it validates f and forwards it
// to every port that passes the egress check. A permit is logged after an
// accepted frame whether or not any port qualified.
func (m *Manager) DecideAndForward(f pipeline.Frame) {
	from := PortRef{f.SwitchID, f.Port}
	v, info := m.ingress(f.Data, f.SwitchID, f.Port, f.VID)
	if !v.Accept {
		m.countReject(v.Reason)
		m.logEvent(from, f.VID, info, logging.ActionDeny, v.Reason)
		return
	}
	if v.Reason == ReasonTrusted {
		m.trusted.Add(1)
	} else {
		m.accepted.Add(1)
	}

	for _, unit := range m.unitsLocalFirst() {
		var ports dataplane.PortMask
		for p := 0; p < m.topo.PortCount(unit); p++ {
			if m.EgressCheck(from, PortRef{unit, p}, f.VID).Accept {
				ports = ports.Set(uint32(p))
			}
		}
		if ports == 0 {
			continue
		}
		if err := m.stack.Transmit(unit, f.VID, ports, f.Data); err != nil {
			m.txErrors.Add(1)
			slog.Warn("inspect: forward failed", "unit", unit, "ports", ports.String(), "err", err)
			continue
		}
		m.forwarded.Add(1)
	}

	m.logEvent(from, f.VID, info, logging.ActionPermit, "")
}

// logEvent records a verdict if the port's log mode asks for it. Trusted
// pairs are never logged.
func (m *Manager) logEvent(from PortRef, vid uint16, info arpInfo, action, reason string) {
	if m.events == nil {
		return
	}
	m.mu.RLock()
	trusted := m.trustedLocked(from, vid)
	mode := m.ports[from].Log
	m.mu.RUnlock()
	if trusted || !mode.logs(action) {
		return
	}
	rec := logging.EventRecord{
		Action:   action,
		SwitchID: from.SwitchID,
		Port:     from.Port,
		VID:      vid,
		Reason:   reason,
	}
	if info.spa.IsValid() {
		rec.MAC = info.sha.String()
		rec.IP = info.spa
	}
	m.events.Record(rec)
	m.logged.Add(1)
}
