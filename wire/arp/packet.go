// Package arp implements the RFC 826 ARP packet format for Ethernet/IPv4,
// the only hardware/protocol combination the router needs to speak.
package arp

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
	"github.com/staticrtr/router/wire"
)

// Operation is an ARP operation code.
type Operation uint16

// The two operations the router ever sends or parses.
const (
	OperationRequest Operation = 1
	OperationReply   Operation = 2
)

// Header length constants from RFC 826 as specialized for Ethernet/IPv4:
// hardware type 1 (Ethernet), protocol type 0x0800 (IPv4), hlen 6, plen 4.
const (
	hardwareTypeEthernet = 1
	protocolTypeIPv4     = 0x0800
	hardwareAddrLen       = 6
	protoAddrLen          = 4

	// PacketLen is the wire length of an Ethernet/IPv4 ARP packet.
	PacketLen = 8 + 2*hardwareAddrLen + 2*protoAddrLen
)

// ErrShort is returned when a buffer is too small to hold an ARP packet.
var ErrShort = io.ErrUnexpectedEOF

// A Packet is a raw ARP packet specialized to Ethernet hardware addresses
// and IPv4 protocol addresses.
type Packet struct {
	Operation Operation
	SenderMAC wire.MAC
	SenderIP  wire.IPv4
	TargetMAC wire.MAC
	TargetIP  wire.IPv4
}

// NewRequest builds a "who-has" ARP request: TargetMAC is unset (all
// zeroes) per RFC 826, since it is by definition unknown.
func NewRequest(senderMAC wire.MAC, senderIP wire.IPv4, targetIP wire.IPv4) *Packet {
	return &Packet{
		Operation: OperationRequest,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetIP:  targetIP,
	}
}

// NewReply builds an "is-at" ARP reply addressed to the requester.
func NewReply(senderMAC wire.MAC, senderIP wire.IPv4, targetMAC wire.MAC, targetIP wire.IPv4) *Packet {
	return &Packet{
		Operation: OperationReply,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetMAC: targetMAC,
		TargetIP:  targetIP,
	}
}

// MarshalBinary encodes p into its 28-byte wire representation.
//
// MarshalBinary never returns an error.
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, PacketLen)

	binary.BigEndian.PutUint16(b[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], protocolTypeIPv4)
	b[4] = hardwareAddrLen
	b[5] = protoAddrLen
	binary.BigEndian.PutUint16(b[6:8], uint16(p.Operation))

	n := 8
	copy(b[n:n+6], p.SenderMAC[:])
	n += 6
	copy(b[n:n+4], p.SenderIP[:])
	n += 4
	copy(b[n:n+6], p.TargetMAC[:])
	n += 6
	copy(b[n:n+4], p.TargetIP[:])

	return b, nil
}

// UnmarshalBinary decodes an ARP packet from b.
//
// UnmarshalBinary rejects packets whose address lengths are not 6 and 4,
// but does not check the declared hardware/protocol type, and Packet does
// not keep those two fields; the router relies on only receiving ARP inside
// Ethernet frames with EtherType 0x0806 in the first place.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) < PacketLen {
		return ErrShort
	}

	hlen, plen := b[4], b[5]
	if hlen != hardwareAddrLen || plen != protoAddrLen {
		return errors.Errorf("unsupported ARP address lengths hlen=%d plen=%d", hlen, plen)
	}

	p.Operation = Operation(binary.BigEndian.Uint16(b[6:8]))

	n := 8
	copy(p.SenderMAC[:], b[n:n+6])
	n += 6
	copy(p.SenderIP[:], b[n:n+4])
	n += 4
	copy(p.TargetMAC[:], b[n:n+6])
	n += 6
	copy(p.TargetIP[:], b[n:n+4])

	return nil
}
