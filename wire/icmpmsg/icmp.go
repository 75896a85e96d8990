// Package icmpmsg builds the ICMP messages the router synthesizes: Echo
// Reply, Destination Unreachable (net/host/port), and Time Exceeded. It is
// a thin wrapper over golang.org/x/net/icmp and golang.org/x/net/ipv4,
// which already implement RFC 792 encoding and checksum computation
// correctly; there is no reason to hand-roll that part.
package icmpmsg

import (
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Destination Unreachable codes (RFC 792).
const (
	CodeNetUnreachable  = 0
	CodeHostUnreachable = 1
	CodePortUnreachable = 3
)

// Time Exceeded codes (RFC 792).
const (
	CodeTTLExceeded = 0
)

// EchoReply builds an ICMP Echo Reply (type 0) carrying the same
// identifier, sequence number, and payload as the Echo Request it answers.
func EchoReply(id, seq int, data []byte) ([]byte, error) {
	m := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}
	return m.Marshal(nil)
}

// ParseEcho extracts the identifier, sequence number, and payload from a
// raw ICMP Echo Request message (the caller has already checked that the
// type byte is 8).
func ParseEcho(b []byte) (id, seq int, data []byte, err error) {
	m, err := icmp.ParseMessage(1, b) // protocol 1 == ICMPv4
	if err != nil {
		return 0, 0, nil, err
	}
	echo, ok := m.Body.(*icmp.Echo)
	if !ok {
		return 0, 0, nil, errNotEcho
	}
	return echo.ID, echo.Seq, echo.Data, nil
}

// DestinationUnreachable builds an ICMP Destination Unreachable (type 3)
// message with the given code. offending is the 28-byte payload defined by
// RFC 1812 §4.3.2.3: the offending packet's IP header plus the first 8
// bytes of its payload.
func DestinationUnreachable(code int, offending []byte) ([]byte, error) {
	m := &icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: code,
		Body: &icmp.DstUnreach{Data: offending},
	}
	return m.Marshal(nil)
}

// TimeExceeded builds an ICMP Time Exceeded (type 11) message with the
// given code, carrying the same 28-byte offending payload as
// DestinationUnreachable.
func TimeExceeded(code int, offending []byte) ([]byte, error) {
	m := &icmp.Message{
		Type: ipv4.ICMPTypeTimeExceeded,
		Code: code,
		Body: &icmp.TimeExceeded{Data: offending},
	}
	return m.Marshal(nil)
}

type notEchoError struct{}

func (notEchoError) Error() string { return "icmpmsg: message body is not an Echo" }

var errNotEcho = notEchoError{}

// OffendingData builds the RFC 1812 §4.3.2.3 data field: the offending
// packet's IP header (ipHeader, exactly 20 bytes) followed by up to the
// first 8 bytes of its payload.
func OffendingData(ipHeader, payload []byte) []byte {
	n := 8
	if len(payload) < n {
		n = len(payload)
	}
	out := make([]byte, 0, len(ipHeader)+8)
	out = append(out, ipHeader...)
	out = append(out, payload[:n]...)
	return out
}
