// Package binding implements the ARP inspection binding database: two
// ordered, capacity-bounded sets of (switch, port, VLAN, MAC, IPv4)
// bindings, one configured statically and one learned from DHCP.
package binding

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/psaab/arpinspect/pkg/dataplane"
)

// DefaultCapacity is the total number of static plus dynamic bindings.
const DefaultCapacity = 256

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("entry not found")
	ErrAlreadyExists = errors.New("entry already exists")
	ErrTableFull     = errors.New("binding table is full")
)

// Kind distinguishes operator-entered bindings from learned ones.
type Kind int

const (
	Static  Kind = iota // configured, persisted
	Dynamic             // learned from DHCP snooping, volatile
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MAC is an Ethernet address usable as a map/tree key.
type MAC [6]byte

// ParseMAC parses a colon/dash separated 48-bit address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("mac %q: not a 48-bit address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFrom copies the first 6 bytes of hw.
func MACFrom(hw []byte) MAC {
	var m MAC
	copy(m[:], hw)
	return m
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// IsMulticast reports whether the group bit is set (includes broadcast).
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsZero reports whether m is 00:00:00:00:00:00.
func (m MAC) IsZero() bool { return m == MAC{} }

// Key is the identity of a binding and defines the database order.
type Key struct {
	SwitchID int
	Port     int
	VID      uint16
	MAC      MAC
	IP       netip.Addr
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d vlan %d %s %s", k.SwitchID, k.Port, k.VID, k.MAC, k.IP)
}

// Compare orders keys by switch, port, VLAN, MAC (byte-wise) and IPv4
// address (numeric), all ascending.
func Compare(a, b Key) int {
	switch {
	case a.SwitchID != b.SwitchID:
		return cmp.Compare(a.SwitchID, b.SwitchID)
	case a.Port != b.Port:
		return cmp.Compare(a.Port, b.Port)
	case a.VID != b.VID:
		return cmp.Compare(a.VID, b.VID)
	}
	if c := bytes.Compare(a.MAC[:], b.MAC[:]); c != 0 {
		return c
	}
	return a.IP.Compare(b.IP)
}

// Binding is one verified association held by the store.
type Binding struct {
	Key
	Kind  Kind
	Valid bool
	// RuleID is the mirrored packet-filter allow rule; zero when the
	// mirror failed or was never installed.
	RuleID dataplane.RuleID
}

// Rule returns the packet-filter allow rule mirroring b.
func (b Binding) Rule() dataplane.Rule {
	return dataplane.Rule{
		Port: uint32(b.Port),
		VID:  b.VID,
		MAC:  b.MAC,
		IP:   b.IP,
	}
}
