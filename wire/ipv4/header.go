// Package ipv4 implements a minimal RFC 791 IPv4 header codec. Options and
// fragmentation are not supported, matching the router's non-goals.
package ipv4

import (
	"encoding/binary"
	"io"

	"github.com/staticrtr/router/wire"
)

// Protocol numbers used by the router's local-delivery and forwarding
// decisions.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

// HeaderLen is the length of a fixed, option-free IPv4 header.
const HeaderLen = 20

const version4IHL5 = 0x45 // version 4, IHL 5 (no options)

// ErrShort is returned when a buffer is too small to hold an IPv4 header.
var ErrShort = io.ErrUnexpectedEOF

// A Header is a parsed, option-free IPv4 header.
type Header struct {
	TOS         uint8
	TotalLength uint16
	ID          uint16
	FlagsFrag   uint16 // flags (3 bits) and fragment offset (13 bits), as on the wire
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         wire.IPv4
	Dst         wire.IPv4
}

// DontFragment is the value of FlagsFrag with only the Don't Fragment bit
// set, used when synthesizing ICMP replies per §4.3's "outer IP header has
// ... DF set".
const DontFragment uint16 = 1 << 14

// MarshalBinary encodes h into a 20-byte IPv4 header. The checksum field is
// written as stored in h; callers that want a fresh checksum must call
// SetChecksum on the returned bytes afterward.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLen)
	b[0] = version4IHL5
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FlagsFrag)
	b[8] = h.TTL
	b[9] = h.Protocol
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])
	return b, nil
}

// UnmarshalBinary decodes an IPv4 header from b. It does not validate the
// checksum; use ValidChecksum for that.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLen {
		return ErrShort
	}

	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFrag = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return nil
}

// SetChecksum recomputes and stores the header checksum over b[:HeaderLen],
// which must already have h's fields marshaled into it (the checksum field
// itself is zeroed before computing).
func SetChecksum(b []byte) {
	b[10], b[11] = 0, 0
	sum := wire.Checksum16(b[:HeaderLen])
	binary.BigEndian.PutUint16(b[10:12], sum)
}

// ValidChecksum reports whether the checksum in a received header, at
// b[:HeaderLen], matches the header contents.
func ValidChecksum(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	return wire.Checksum16(b[:HeaderLen]) == 0
}
