package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/psaab/arpinspect/pkg/binding"
	"github.com/psaab/arpinspect/pkg/configstore"
	"github.com/psaab/arpinspect/pkg/dataplane"
	"github.com/psaab/arpinspect/pkg/dhcpsnoop"
	"github.com/psaab/arpinspect/pkg/logging"
	"github.com/psaab/arpinspect/pkg/stack"
)

// Errors returned by configuration entry points. Store errors
// (binding.ErrNotFound, binding.ErrAlreadyExists, binding.ErrTableFull)
// are passed through wrapped.
var (
	ErrNotPrimary            = stack.ErrNotPrimary
	ErrSwitchUnknown         = errors.New("switch does not exist")
	ErrSwitchNotConfigurable = errors.New("switch is not configurable")
	ErrInvalidParameter      = errors.New("invalid parameter")
)

// LogMode selects which inspection verdicts are logged for a port.
type LogMode uint8

const (
	LogNone LogMode = iota
	LogDeny
	LogPermit
	LogAll
)

func (m LogMode) String() string {
	switch m {
	case LogNone:
		return "none"
	case LogDeny:
		return "deny"
	case LogPermit:
		return "permit"
	case LogAll:
		return "all"
	default:
		return fmt.Sprintf("log(%d)", uint8(m))
	}
}

// ParseLogMode parses a log mode name. The empty string is LogNone.
func ParseLogMode(s string) (LogMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return LogNone, nil
	case "deny":
		return LogDeny, nil
	case "permit":
		return LogPermit, nil
	case "all":
		return LogAll, nil
	}
	return LogNone, fmt.Errorf("%w: log mode %q", ErrInvalidParameter, s)
}

func (m LogMode) valid() bool { return m <= LogAll }

// logs reports whether a verdict with the given action is logged.
func (m LogMode) logs(action string) bool {
	switch action {
	case logging.ActionDeny:
		return m == LogDeny || m == LogAll
	case logging.ActionPermit:
		return m == LogPermit || m == LogAll
	}
	return false
}

// PortConfig is the inspection configuration of one port. The zero value
// (inspection off, all VLANs, no logging) is the default.
type PortConfig struct {
	Enabled   bool
	CheckVLAN bool // inspect only the checked VLANs
	Log       LogMode
}

// VLANConfig is the inspection configuration of one VLAN.
type VLANConfig struct {
	Checked bool
	Log     LogMode
}

// PortRef names a port in the stack.
type PortRef struct {
	SwitchID int
	Port     int
}

func (r PortRef) String() string { return fmt.Sprintf("%d/%d", r.SwitchID, r.Port) }

// Verdict reasons.
const (
	ReasonTrusted     = "trusted"
	ReasonBinding     = "binding"
	ReasonMalformed   = "not an ARP frame"
	ReasonSMAC        = "smac != sha"
	ReasonDMAC        = "dmac != tha"
	ReasonNoBinding   = "no binding"
	ReasonIngressPort = "ingress port"
	ReasonNoLink      = "no link"
	ReasonFabric      = "fabric discard"
)

// Verdict is the outcome of an ingress or egress check.
type Verdict struct {
	Accept bool
	Reason string
}

// Stack is the stacking coordinator as seen by the engine.
type Stack interface {
	IsPrimary() bool
	LocalUnit() int
	Transmit(unit int, vid uint16, ports dataplane.PortMask, frame []byte) error
	PropagateConf(ctx context.Context) error
}

// Topology describes the units of the stack and their ports.
type Topology interface {
	// Units returns every unit id in the stack.
	Units() []int
	// Exists reports whether the unit is currently present.
	Exists(switchID int) bool
	// Configurable reports whether the unit id may carry configuration,
	// present or not.
	Configurable(switchID int) bool
	PortCount(switchID int) int
	LinkUp(switchID, port int) bool
	// Forwards reports whether the fabric forwards vid from the ingress
	// port to the egress port.
	Forwards(fromSwitch, fromPort, toSwitch, toPort int, vid uint16) bool
}

// LeaseSource is the DHCP snooping feed.
type LeaseSource interface {
	Leases() []dhcpsnoop.Lease
	Subscribe(fn func(dhcpsnoop.Event)) (cancel func())
}

// EventLog records inspection verdicts.
type EventLog interface {
	Record(rec logging.EventRecord)
}

// Persister saves the inspection configuration.
type Persister interface {
	Save(st configstore.State) error
}

// ValidateKey checks the binding parameters shared by static and dynamic
// entries.
func ValidateKey(k binding.Key) error {
	if k.VID < 1 || k.VID > 4095 {
		return fmt.Errorf("%w: vlan %d", ErrInvalidParameter, k.VID)
	}
	if k.MAC.IsMulticast() || k.MAC.IsZero() {
		return fmt.Errorf("%w: mac %s", ErrInvalidParameter, k.MAC)
	}
	if !k.IP.Is4() {
		return fmt.Errorf("%w: ip %s is not IPv4", ErrInvalidParameter, k.IP)
	}
	ip := k.IP.As4()
	if ip == [4]byte{} || ip[0] >= 224 {
		return fmt.Errorf("%w: ip %s", ErrInvalidParameter, k.IP)
	}
	if k.Port < 0 || k.SwitchID < 0 {
		return fmt.Errorf("%w: port %d/%d", ErrInvalidParameter, k.SwitchID, k.Port)
	}
	return nil
}
