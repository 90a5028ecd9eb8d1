package pipeline

import "encoding/binary"

// Tag protocol identifiers recognised when normalising captured frames.
const (
	TPIDDot1Q  uint16 = 0x8100
	TPIDDot1AD uint16 = 0x88A8

	// MaxStrippedTags is the deepest tag stack removed from a frame. Any
	// further tag is left in place.
	MaxStrippedTags = 2
)

const (
	macHeaderLen = 12 // dst + src
	tagLen       = 4
)

// StripTags removes up to MaxStrippedTags VLAN tags directly following the
// source MAC. A tag matches when its TPID is 802.1Q, 802.1ad or custom
// (custom 0 means none). The returned slice is a new buffer when any tag
// was removed, otherwise data itself.
func StripTags(data []byte, custom uint16) ([]byte, int) {
	stripped := 0
	off := macHeaderLen
	for stripped < MaxStrippedTags && len(data) >= off+tagLen+2 {
		tpid := binary.BigEndian.Uint16(data[off:])
		if !isTPID(tpid, custom) {
			break
		}
		off += tagLen
		stripped++
	}
	if stripped == 0 {
		return data, 0
	}
	out := make([]byte, 0, len(data)-stripped*tagLen)
	out = append(out, data[:macHeaderLen]...)
	out = append(out, data[off:]...)
	return out, stripped
}

func isTPID(tpid, custom uint16) bool {
	return tpid == TPIDDot1Q || tpid == TPIDDot1AD || (custom != 0 && tpid == custom)
}
