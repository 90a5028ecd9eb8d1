// Package packetio moves frames between switch ports and the inspection
// engine: AF_PACKET sockets per port, a classic BPF capture program, the
// stack-wide port inventory and per-port VLAN tag treatment.
package packetio

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// PortSpec describes one switch port.
type PortSpec struct {
	SwitchID int
	Port     int
	// Interface is the kernel interface backing the port, empty for
	// ports of remote units.
	Interface string
	PVID      uint16   // untagged VLAN, 0 for none
	Tagged    []uint16 // VLANs carried tagged
	TPID      uint16   // tag ethertype on egress, 0x8100 when zero
}

// Treatment is how a frame for a VLAN leaves a port.
type Treatment int

const (
	Discard Treatment = iota
	Untagged
	Tagged
)

func (t Treatment) String() string {
	switch t {
	case Untagged:
		return "untagged"
	case Tagged:
		return "tagged"
	default:
		return "discard"
	}
}

type portState struct {
	spec PortSpec
	link bool
}

func (p *portState) treatment(vid uint16) Treatment {
	if p.spec.PVID != 0 && p.spec.PVID == vid {
		return Untagged
	}
	if slices.Contains(p.spec.Tagged, vid) {
		return Tagged
	}
	return Discard
}

type unitState struct {
	present bool
	ports   []*portState // indexed by port number
}

// Inventory is the port table of every unit in the stack. It implements
// the engine's topology view. Ports of the local unit start without link
// until the link monitor reports them; remote ports are assumed up and
// their owner filters on link at transmit time.
type Inventory struct {
	local int

	mu    sync.RWMutex
	units map[int]*unitState
}

// NewInventory builds the inventory from the port specs. Port numbers must
// be unique per unit; gaps are filled with ports that carry no VLAN.
func NewInventory(local int, specs []PortSpec) (*Inventory, error) {
	inv := &Inventory{local: local, units: make(map[int]*unitState)}
	for _, s := range specs {
		if s.Port < 0 || s.Port >= 64 {
			return nil, fmt.Errorf("port %d/%d: out of range", s.SwitchID, s.Port)
		}
		u := inv.units[s.SwitchID]
		if u == nil {
			u = &unitState{present: s.SwitchID == local}
			inv.units[s.SwitchID] = u
		}
		for len(u.ports) <= s.Port {
			u.ports = append(u.ports, nil)
		}
		if u.ports[s.Port] != nil {
			return nil, fmt.Errorf("port %d/%d: defined twice", s.SwitchID, s.Port)
		}
		if s.TPID == 0 {
			s.TPID = 0x8100
		}
		u.ports[s.Port] = &portState{spec: s, link: s.SwitchID != local}
	}
	for id, u := range inv.units {
		for p := range u.ports {
			if u.ports[p] == nil {
				u.ports[p] = &portState{spec: PortSpec{SwitchID: id, Port: p, TPID: 0x8100}}
			}
		}
	}
	if _, ok := inv.units[local]; !ok {
		inv.units[local] = &unitState{present: true}
	}
	return inv, nil
}

// LocalUnit returns the unit this inventory runs on.
func (inv *Inventory) LocalUnit() int { return inv.local }

func (inv *Inventory) port(sw, port int) *portState {
	u := inv.units[sw]
	if u == nil || port < 0 || port >= len(u.ports) {
		return nil
	}
	return u.ports[port]
}

// Units returns every configured unit id in ascending order.
func (inv *Inventory) Units() []int {
	inv.mu.RLock()
	out := make([]int, 0, len(inv.units))
	for id := range inv.units {
		out = append(out, id)
	}
	inv.mu.RUnlock()
	sort.Ints(out)
	return out
}

// Exists reports whether the unit is currently part of the stack.
func (inv *Inventory) Exists(sw int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	u := inv.units[sw]
	return u != nil && u.present
}

// Configurable reports whether the unit id is configured.
func (inv *Inventory) Configurable(sw int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.units[sw] != nil
}

// SetPresent records a unit joining or leaving the stack. Ports of a unit
// that left are reported without link.
func (inv *Inventory) SetPresent(sw int, present bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if u := inv.units[sw]; u != nil {
		u.present = present
	}
}

// PortCount returns the number of ports on a unit.
func (inv *Inventory) PortCount(sw int) int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if u := inv.units[sw]; u != nil {
		return len(u.ports)
	}
	return 0
}

// SetLink records the link state of a port.
func (inv *Inventory) SetLink(sw, port int, up bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if p := inv.port(sw, port); p != nil {
		p.link = up
	}
}

// LinkUp reports whether a port has link.
func (inv *Inventory) LinkUp(sw, port int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	u := inv.units[sw]
	p := inv.port(sw, port)
	return u != nil && u.present && p != nil && p.link
}

// Treatment returns how frames on vid leave a port.
func (inv *Inventory) Treatment(sw, port int, vid uint16) Treatment {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if p := inv.port(sw, port); p != nil {
		return p.treatment(vid)
	}
	return Discard
}

// Forwards reports whether both ports are members of vid.
func (inv *Inventory) Forwards(fromSw, fromPort, toSw, toPort int, vid uint16) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	from, to := inv.port(fromSw, fromPort), inv.port(toSw, toPort)
	if from == nil || to == nil {
		return false
	}
	return from.treatment(vid) != Discard && to.treatment(vid) != Discard
}

// Spec returns the configuration of a port.
func (inv *Inventory) Spec(sw, port int) (PortSpec, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if p := inv.port(sw, port); p != nil {
		return p.spec, true
	}
	return PortSpec{}, false
}

// PortByInterface returns the local port backed by the named interface.
func (inv *Inventory) PortByInterface(name string) (int, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if u := inv.units[inv.local]; u != nil {
		for _, p := range u.ports {
			if p.spec.Interface != "" && p.spec.Interface == name {
				return p.spec.Port, true
			}
		}
	}
	return 0, false
}

// TagFrame returns a copy of an untagged frame with a VLAN tag inserted
// after the source MAC.
func TagFrame(frame []byte, tpid, vid uint16) []byte {
	if len(frame) < 12 {
		return append([]byte(nil), frame...)
	}
	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:12]...)
	out = binary.BigEndian.AppendUint16(out, tpid)
	out = binary.BigEndian.AppendUint16(out, vid&0x0fff)
	return append(out, frame[12:]...)
}
