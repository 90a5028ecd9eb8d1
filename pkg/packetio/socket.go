package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	// tpacket_auxdata.tp_status bit set when tp_vlan_tci holds a stripped tag.
	tpStatusVLANValid = 0x10
	auxdataLen        = 20
	auxVLANOffset     = 16

	// readTimeout bounds a blocking read so readers notice cancellation.
	readTimeout = 500 * time.Millisecond
)

// Socket is an AF_PACKET raw socket bound to one interface.
type Socket struct {
	fd      int
	ifindex int
	name    string
}

// OpenSocket opens a raw socket on the named interface that receives every
// ethertype and reports hardware-stripped VLAN tags.
func OpenSocket(name string) (*Socket, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: iface.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("PACKET_AUXDATA %s: %w", name, err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO %s: %w", name, err)
	}
	return &Socket{fd: fd, ifindex: iface.Index, name: name}, nil
}

// Name returns the interface name.
func (s *Socket) Name() string { return s.name }

// Attach installs a classic BPF filter on the socket.
func (s *Socket) Attach(prog []bpf.RawInstruction) error {
	if len(prog) == 0 {
		return fmt.Errorf("attach %s: empty program", s.name)
	}
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := &unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog); err != nil {
		return fmt.Errorf("attach %s: %w", s.name, err)
	}
	return nil
}

// ReadFrame reads one frame into buf. vid is the hardware-stripped VLAN
// when tagged is true. It returns an error satisfying isTimeout when no
// frame arrived within the read timeout.
func (s *Socket) ReadFrame(buf []byte) (n int, vid uint16, tagged bool, err error) {
	oob := make([]byte, unix.CmsgSpace(auxdataLen))
	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		return 0, 0, false, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, 0, false, nil
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_PACKET || m.Header.Type != unix.PACKET_AUXDATA || len(m.Data) < auxdataLen {
			continue
		}
		status := binary.NativeEndian.Uint32(m.Data[0:4])
		if status&tpStatusVLANValid != 0 {
			tci := binary.NativeEndian.Uint16(m.Data[auxVLANOffset:])
			return n, tci & 0x0fff, true, nil
		}
	}
	return n, 0, false, nil
}

// WriteFrame transmits a frame on the interface.
func (s *Socket) WriteFrame(frame []byte) error {
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: s.ifindex, Halen: 6}
	if err := unix.Sendto(s.fd, frame, 0, sa); err != nil {
		return fmt.Errorf("sendto %s: %w", s.name, err)
	}
	return nil
}

// Close closes the socket.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

func isTimeout(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
