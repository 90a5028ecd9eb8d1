package packetio

import (
	"golang.org/x/net/bpf"
)

const (
	etherTypeVLAN = 0x8100
	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800

	dhcpServerPort = 67
	dhcpClientPort = 68

	snapLen = 0x40000
)

// captureBlock matches ARP, and DHCP over unfragmented IPv4/UDP, with the
// ethertype at 12+off. It is 13 instructions long.
func captureBlock(off uint32) []bpf.Instruction {
	const (
		drop   = 11
		accept = 12
	)
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12 + off, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeARP, SkipTrue: accept - 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: drop - 3},
		// IPv4 protocol must be UDP
		bpf.LoadAbsolute{Off: 23 + off, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: drop - 5},
		// no fragments
		bpf.LoadAbsolute{Off: 20 + off, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: drop - 7},
		// UDP destination port
		bpf.LoadMemShift{Off: 14 + off},
		bpf.LoadIndirect{Off: 16 + off, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpServerPort, SkipTrue: accept - 10},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpClientPort, SkipTrue: accept - 11},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: snapLen},
	}
}

// CaptureProgram returns the socket filter accepting the frames the
// inspection engine and the DHCP snooper consume, untagged or with one
// 802.1Q tag.
func CaptureProgram() ([]bpf.RawInstruction, error) {
	untagged := captureBlock(0)
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeVLAN, SkipTrue: uint8(len(untagged))},
	}
	prog = append(prog, untagged...)
	prog = append(prog, captureBlock(4)...)
	return bpf.Assemble(prog)
}
