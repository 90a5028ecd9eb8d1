package stack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/psaab/arpinspect/pkg/dataplane"
)

// msgMagic identifies stacking messages.
var msgMagic = [4]byte{'A', 'R', 'P', 'I'}

// MsgType selects the payload of a Message.
type MsgType uint8

// Stacking message types.
const (
	MsgConfSet    MsgType = 1 // primary -> every unit
	MsgFrameRxInd MsgType = 2 // secondary -> primary
	MsgFrameTxReq MsgType = 3 // primary -> owning unit
)

func (t MsgType) String() string {
	switch t {
	case MsgConfSet:
		return "conf-set"
	case MsgFrameRxInd:
		return "frame-rx-ind"
	case MsgFrameTxReq:
		return "frame-tx-req"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// header layout: magic[4] type[1] pad[3] length[4] (little endian)
const headerSize = 12

// maxPayload bounds an encoded or decoded payload.
const maxPayload = 64 * 1024

// MaxFrameLen is the longest frame a FrameRxInd or FrameTxReq can carry.
const MaxFrameLen = maxPayload - 16

// maxConfPorts is the most ports one ConfSet can describe.
const maxConfPorts = (maxPayload - 3) / 3

var (
	errShort    = errors.New("stack: message truncated")
	errBadMagic = errors.New("stack: bad magic")
)

// PortConf is the inspection configuration of one port as carried in a
// ConfSet message.
type PortConf struct {
	Enabled   bool
	CheckVLAN bool
	Log       uint8
}

// Conf is the ConfSet payload for one unit.
type Conf struct {
	Enabled bool
	Ports   []PortConf
}

// FrameRxInd carries a frame captured on a secondary to the primary.
type FrameRxInd struct {
	VID   uint16
	Unit  uint16
	Port  uint16
	Frame []byte
}

// FrameTxReq asks the owning unit to transmit a frame on a set of ports.
type FrameTxReq struct {
	VID   uint16
	Unit  uint16
	Ports dataplane.PortMask
	Frame []byte
}

// Message is a decoded stacking message. Exactly one payload field is set,
// matching Type.
type Message struct {
	Type  MsgType
	Conf  *Conf
	RxInd *FrameRxInd
	TxReq *FrameTxReq
}

// AppendEncode appends the wire form of m to buf.
func AppendEncode(buf []byte, m Message) ([]byte, error) {
	start := len(buf)
	buf = append(buf, msgMagic[:]...)
	buf = append(buf, byte(m.Type), 0, 0, 0)
	buf = append(buf, 0, 0, 0, 0) // length, patched below

	switch m.Type {
	case MsgConfSet:
		if m.Conf == nil {
			return buf[:start], fmt.Errorf("stack: %s without payload", m.Type)
		}
		if len(m.Conf.Ports) > maxConfPorts {
			return buf[:start], fmt.Errorf("stack: %s with %d ports", m.Type, len(m.Conf.Ports))
		}
		buf = append(buf, boolByte(m.Conf.Enabled))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Conf.Ports)))
		for _, p := range m.Conf.Ports {
			buf = append(buf, boolByte(p.Enabled), boolByte(p.CheckVLAN), p.Log)
		}
	case MsgFrameRxInd:
		r := m.RxInd
		if r == nil {
			return buf[:start], fmt.Errorf("stack: %s without payload", m.Type)
		}
		if len(r.Frame) > MaxFrameLen {
			return buf[:start], fmt.Errorf("stack: %s frame too long (%d)", m.Type, len(r.Frame))
		}
		buf = binary.LittleEndian.AppendUint16(buf, r.VID)
		buf = binary.LittleEndian.AppendUint16(buf, r.Unit)
		buf = binary.LittleEndian.AppendUint16(buf, r.Port)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Frame)))
		buf = append(buf, r.Frame...)
	case MsgFrameTxReq:
		r := m.TxReq
		if r == nil {
			return buf[:start], fmt.Errorf("stack: %s without payload", m.Type)
		}
		if len(r.Frame) > MaxFrameLen {
			return buf[:start], fmt.Errorf("stack: %s frame too long (%d)", m.Type, len(r.Frame))
		}
		buf = binary.LittleEndian.AppendUint16(buf, r.VID)
		buf = binary.LittleEndian.AppendUint16(buf, r.Unit)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Ports))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Frame)))
		buf = append(buf, r.Frame...)
	default:
		return buf[:start], fmt.Errorf("stack: cannot encode %s", m.Type)
	}

	binary.LittleEndian.PutUint32(buf[start+8:], uint32(len(buf)-start-headerSize))
	return buf, nil
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(nil, m)
}

// Decode parses one message. Frame payloads are copied out of b.
func Decode(b []byte) (Message, error) {
	if len(b) < headerSize {
		return Message{}, errShort
	}
	if [4]byte(b[:4]) != msgMagic {
		return Message{}, errBadMagic
	}
	t := MsgType(b[4])
	n := binary.LittleEndian.Uint32(b[8:12])
	if n > maxPayload {
		return Message{}, fmt.Errorf("stack: payload too large (%d)", n)
	}
	if uint32(len(b)-headerSize) < n {
		return Message{}, errShort
	}
	p := b[headerSize : headerSize+int(n)]

	switch t {
	case MsgConfSet:
		if len(p) < 3 {
			return Message{}, errShort
		}
		c := &Conf{Enabled: p[0] != 0}
		count := int(binary.LittleEndian.Uint16(p[1:3]))
		p = p[3:]
		if len(p) < count*3 {
			return Message{}, errShort
		}
		c.Ports = make([]PortConf, count)
		for i := range c.Ports {
			c.Ports[i] = PortConf{Enabled: p[0] != 0, CheckVLAN: p[1] != 0, Log: p[2]}
			p = p[3:]
		}
		return Message{Type: t, Conf: c}, nil

	case MsgFrameRxInd:
		if len(p) < 8 {
			return Message{}, errShort
		}
		r := &FrameRxInd{
			VID:  binary.LittleEndian.Uint16(p[0:]),
			Unit: binary.LittleEndian.Uint16(p[2:]),
			Port: binary.LittleEndian.Uint16(p[4:]),
		}
		flen := int(binary.LittleEndian.Uint16(p[6:]))
		if len(p)-8 < flen {
			return Message{}, errShort
		}
		r.Frame = append([]byte(nil), p[8:8+flen]...)
		return Message{Type: t, RxInd: r}, nil

	case MsgFrameTxReq:
		if len(p) < 14 {
			return Message{}, errShort
		}
		r := &FrameTxReq{
			VID:   binary.LittleEndian.Uint16(p[0:]),
			Unit:  binary.LittleEndian.Uint16(p[2:]),
			Ports: dataplane.PortMask(binary.LittleEndian.Uint64(p[4:])),
		}
		flen := int(binary.LittleEndian.Uint16(p[12:]))
		if len(p)-14 < flen {
			return Message{}, errShort
		}
		r.Frame = append([]byte(nil), p[14:14+flen]...)
		return Message{Type: t, TxReq: r}, nil
	}
	return Message{}, fmt.Errorf("stack: unknown message %s", t)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
