// Package dataplane mirrors the ARP inspection database into kernel-level
// packet filtering. The mirror is a best-effort fast path: the in-process
// validation engine stays authoritative and never consults these rules.
package dataplane

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strings"
)

// EtherTypeARP is the only ethertype the filter rules qualify.
const EtherTypeARP = 0x0806

// RuleID identifies an installed allow rule. Zero means "no rule".
type RuleID uint32

// Rule is an allow-list entry: ARP frames from Port on VID whose sender
// hardware and protocol addresses match MAC and IP (/32).
type Rule struct {
	Port uint32
	VID  uint16
	MAC  [6]byte
	IP   netip.Addr
}

func (r Rule) String() string {
	return fmt.Sprintf("port %d vid %d mac %s ip %s",
		r.Port, r.VID, formatMAC(r.MAC), r.IP)
}

// PortMask is a bitmap of port numbers (bit n = port n).
type PortMask uint64

// Set returns m with port p added.
func (m PortMask) Set(p uint32) PortMask {
	if p >= 64 {
		return m
	}
	return m | 1<<p
}

// Has reports whether port p is in the mask.
func (m PortMask) Has(p uint32) bool {
	return p < 64 && m&(1<<p) != 0
}

// Count returns the number of ports in the mask.
func (m PortMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

func (m PortMask) String() string {
	return fmt.Sprintf("0b%b", uint64(m))
}

// DenyState is the global ARP deny rule: when Enabled, ARP from the
// Untrusted ports is dropped unless an allow rule matches. Gratuitous
// ARP is always allowed while the deny rule is installed.
type DenyState struct {
	Enabled    bool
	Untrusted  PortMask
	Gratuitous bool
}

// Filter is the packet-filter collaborator interface.
type Filter interface {
	AddAllowRule(r Rule) (RuleID, error)
	RemoveAllowRule(id RuleID) error
	SetDenyRule(enabled bool, untrusted PortMask) error
	ClearAll() error
	Close() error
}

func formatMAC(mac [6]byte) string {
	var b strings.Builder
	for i, x := range mac {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", x)
	}
	return b.String()
}
