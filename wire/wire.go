// Package wire defines the fixed-width address types shared by every layer
// of the router: a 6-byte Ethernet MAC and a 4-byte IPv4 address stored in
// network byte order, plus the one's-complement checksum the IPv4 header
// codec relies on.
package wire

import (
	"encoding/binary"
	"net"

	"github.com/juju/errors"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Broadcast is the Ethernet broadcast address, used to address ARP requests.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// HardwareAddr returns m as a net.HardwareAddr, for use with
// github.com/mdlayher/ethernet.
func (m MAC) HardwareAddr() net.HardwareAddr {
	b := make(net.HardwareAddr, 6)
	copy(b, m[:])
	return b
}

func (m MAC) String() string {
	return m.HardwareAddr().String()
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MACFromHardwareAddr converts a net.HardwareAddr into a MAC. It returns an
// error if hw is not exactly 6 bytes long.
func MACFromHardwareAddr(hw net.HardwareAddr) (MAC, error) {
	var m MAC
	if len(hw) != 6 {
		return m, errors.Errorf("invalid hardware address length %d", len(hw))
	}
	copy(m[:], hw)
	return m, nil
}

// ParseMAC parses a colon-separated hardware address string into a MAC.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, errors.Annotatef(err, "invalid MAC address %q", s)
	}
	return MACFromHardwareAddr(hw)
}

// IPv4 is a 4-byte IPv4 address stored in network byte order. Two IPv4
// values are compared opaquely, by byte-equality; no arithmetic is ever
// performed directly on the array.
type IPv4 [4]byte

// Zero is the unspecified IPv4 address, 0.0.0.0.
var Zero = IPv4{}

// IsZero reports whether ip is 0.0.0.0.
func (ip IPv4) IsZero() bool {
	return ip == IPv4{}
}

// Uint32 returns ip's big-endian numeric value, used as a compact map key
// by the ARP cache.
func (ip IPv4) Uint32() uint32 {
	return binary.BigEndian.Uint32(ip[:])
}

// IPv4FromUint32 is the inverse of Uint32.
func IPv4FromUint32(v uint32) IPv4 {
	var ip IPv4
	binary.BigEndian.PutUint32(ip[:], v)
	return ip
}

// And returns the bitwise AND of ip and mask, e.g. to compute a masked
// destination for routing-table lookups.
func (ip IPv4) And(mask IPv4) IPv4 {
	var out IPv4
	for i := range ip {
		out[i] = ip[i] & mask[i]
	}
	return out
}

// Net returns ip as a net.IP.
func (ip IPv4) Net() net.IP {
	b := make(net.IP, 4)
	copy(b, ip[:])
	return b
}

func (ip IPv4) String() string {
	return ip.Net().String()
}

// IPv4FromNetIP converts a net.IP holding an IPv4 address into an IPv4. It
// returns an error if ip is not a valid IPv4 address.
func IPv4FromNetIP(ip net.IP) (IPv4, error) {
	var out IPv4
	ip4 := ip.To4()
	if ip4 == nil {
		return out, errors.Errorf("not an IPv4 address: %v", ip)
	}
	copy(out[:], ip4)
	return out, nil
}

// ParseIPv4 parses a dotted-quad string into an IPv4 address.
func ParseIPv4(s string) (IPv4, error) {
	var out IPv4
	ip := net.ParseIP(s)
	if ip == nil {
		return out, errors.Errorf("invalid IPv4 address %q", s)
	}
	return IPv4FromNetIP(ip)
}

// MaskPopcount returns the number of one bits in mask, used to rank
// longest-prefix routing matches.
func (ip IPv4) MaskPopcount() int {
	n := 0
	v := ip.Uint32()
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// Checksum16 computes the one's-complement 16-bit Internet checksum (RFC
// 791/1071) over b. The caller is responsible for zeroing any existing
// checksum field in b before calling Checksum16, and for writing the result
// back into that field afterward.
func Checksum16(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
