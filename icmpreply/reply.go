// Package icmpreply assembles complete Ethernet+IPv4+ICMP frames for the
// control messages the router synthesizes: Destination Unreachable (net,
// host, port) and Time Exceeded. Both the router (net/port unreachable,
// time exceeded) and the ARP cache (host unreachable on resolution
// failure) build the same kind of frame, so the assembly lives here once.
package icmpreply

import (
	"github.com/mdlayher/ethernet"

	"github.com/staticrtr/router/wire"
	"github.com/staticrtr/router/wire/icmpmsg"
	"github.com/staticrtr/router/wire/ipv4"
)

// Endpoint names one side of a reply: the MAC/IP a synthesized message is
// sent from or to.
type Endpoint struct {
	MAC wire.MAC
	IP  wire.IPv4
}

// DestinationUnreachable builds a full frame carrying an ICMP Destination
// Unreachable message of the given code, per §4.3's ICMP builder contract:
// outer IP header with ttl=64, DF set, id=0, sourced from src and destined
// to dst, embedding offendingIPHeader (20 bytes) plus the first 8 bytes of
// offendingPayload.
func DestinationUnreachable(src, dst Endpoint, code int, offendingIPHeader, offendingPayload []byte) ([]byte, error) {
	body, err := icmpmsg.DestinationUnreachable(code, icmpmsg.OffendingData(offendingIPHeader, offendingPayload))
	if err != nil {
		return nil, err
	}
	return errorFrame(src, dst, body)
}

// TimeExceeded builds a full frame carrying an ICMP Time Exceeded message,
// with the same outer IP header contract as DestinationUnreachable.
func TimeExceeded(src, dst Endpoint, code int, offendingIPHeader, offendingPayload []byte) ([]byte, error) {
	body, err := icmpmsg.TimeExceeded(code, icmpmsg.OffendingData(offendingIPHeader, offendingPayload))
	if err != nil {
		return nil, err
	}
	return errorFrame(src, dst, body)
}

// errorFrame wraps an ICMP error message body (type 3 or 11) in the outer
// IP header contract shared by every such message, then in an Ethernet II
// frame.
func errorFrame(src, dst Endpoint, icmpBody []byte) ([]byte, error) {
	ipHdr := ipv4.Header{
		TTL:       64,
		Protocol:  ipv4.ProtocolICMP,
		FlagsFrag: ipv4.DontFragment,
		ID:        0,
		Src:       src.IP,
		Dst:       dst.IP,
	}
	return Frame(src.MAC, dst.MAC, &ipHdr, icmpBody)
}

// Frame marshals ipHdr and appends payload to form the IPv4 packet, fixes
// up TotalLength and the header checksum, and wraps the result in an
// Ethernet II frame addressed from srcMAC to dstMAC with EtherType IPv4.
func Frame(srcMAC, dstMAC wire.MAC, ipHdr *ipv4.Header, payload []byte) ([]byte, error) {
	ipHdr.TotalLength = uint16(ipv4.HeaderLen + len(payload))

	ipBytes, err := ipHdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ipBytes = append(ipBytes, payload...)
	ipv4.SetChecksum(ipBytes)

	eth := &ethernet.Frame{
		Destination: dstMAC.HardwareAddr(),
		Source:      srcMAC.HardwareAddr(),
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     ipBytes,
	}
	return eth.MarshalBinary()
}
