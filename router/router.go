// Package router implements the forwarding pipeline: Ethernet ingress
// classification, ARP request/reply handling, IPv4 local delivery and
// forwarding, and ICMP diagnostic synthesis. Modeled on the teacher's
// single-dispatch ARP server loop, generalized from "answer every ARP
// request" to the full router decision tree.
package router

import (
	"encoding/binary"
	"sync"

	"github.com/mdlayher/ethernet"

	"github.com/staticrtr/router/arpcache"
	"github.com/staticrtr/router/icmpreply"
	"github.com/staticrtr/router/routing"
	"github.com/staticrtr/router/rtrlog"
	"github.com/staticrtr/router/sender"
	"github.com/staticrtr/router/wire"
	"github.com/staticrtr/router/wire/arp"
	"github.com/staticrtr/router/wire/icmpmsg"
	"github.com/staticrtr/router/wire/ipv4"
)

const ethernetHeaderLen = 14

// Router is the packet processing pipeline. OnPacket serializes all
// ingress processing behind mu; the ArpCache has its own independent
// mutex, always acquired after the router's (router → cache), never the
// other way around.
type Router struct {
	mu sync.Mutex

	routes *routing.Table
	cache  *arpcache.Cache
	sender sender.Sender
	logf   rtrlog.Logf
}

// New returns a Router wired to routes, cache, and sender. If logf is
// nil, log messages are discarded.
func New(routes *routing.Table, cache *arpcache.Cache, snd sender.Sender, logf rtrlog.Logf) *Router {
	if logf == nil {
		logf = rtrlog.Discard
	}
	return &Router{routes: routes, cache: cache, sender: snd, logf: logf}
}

// OnPacket processes one raw Ethernet frame received on ingressIface.
func (r *Router) OnPacket(frame []byte, ingressIface string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(frame) < ethernetHeaderLen {
		r.logf("router: dropping frame on %s, too short (%d bytes)", ingressIface, len(frame))
		return
	}

	etherType := uint16(frame[12])<<8 | uint16(frame[13])
	switch etherType {
	case uint16(ethernet.EtherTypeARP):
		r.handleARP(frame, ingressIface)
	case uint16(ethernet.EtherTypeIPv4):
		r.handleIPv4(frame, ingressIface)
	default:
		r.logf("router: dropping frame on %s, unknown EtherType %#04x", ingressIface, etherType)
	}
}

func (r *Router) handleARP(frame []byte, ingressIface string) {
	payload := frame[ethernetHeaderLen:]

	var pkt arp.Packet
	if err := pkt.UnmarshalBinary(payload); err != nil {
		r.logf("router: dropping malformed ARP on %s: %v", ingressIface, err)
		return
	}

	switch pkt.Operation {
	case arp.OperationRequest:
		r.handleARPRequest(&pkt, ingressIface)
	case arp.OperationReply:
		r.handleARPReply(&pkt)
	default:
		r.logf("router: dropping ARP with unknown operation %d on %s", pkt.Operation, ingressIface)
	}
}

func (r *Router) handleARPRequest(pkt *arp.Packet, ingressIface string) {
	iface, ok := r.routes.InterfaceByIP(pkt.TargetIP)
	if !ok {
		r.logf("router: dropping ARP request for non-local %v", pkt.TargetIP)
		return
	}

	reply := arp.NewReply(iface.MAC, iface.IP, pkt.SenderMAC, pkt.SenderIP)
	arpBytes, err := reply.MarshalBinary()
	if err != nil {
		r.logf("router: marshal ARP reply: %v", err)
		return
	}

	eth := &ethernet.Frame{
		Destination: pkt.SenderMAC.HardwareAddr(),
		Source:      iface.MAC.HardwareAddr(),
		EtherType:      ethernet.EtherTypeARP,
		Payload:        arpBytes,
	}
	frameBytes, err := eth.MarshalBinary()
	if err != nil {
		r.logf("router: marshal ARP reply frame: %v", err)
		return
	}

	if err := r.sender.Send(frameBytes, ingressIface); err != nil {
		r.logf("router: send ARP reply on %s: %v", ingressIface, err)
	}
}

func (r *Router) handleARPReply(pkt *arp.Packet) {
	if !r.cache.HasRequest(pkt.SenderIP) {
		r.logf("router: discarding unsolicited ARP reply from %v", pkt.SenderIP)
		return
	}
	r.cache.Insert(pkt.SenderIP, pkt.SenderMAC)
}

func (r *Router) handleIPv4(frame []byte, ingressIface string) {
	if len(frame) < ethernetHeaderLen+ipv4.HeaderLen {
		r.logf("router: dropping undersized IPv4 frame on %s (%d bytes)", ingressIface, len(frame))
		return
	}
	ipStart := ethernetHeaderLen
	if !ipv4.ValidChecksum(frame[ipStart:]) {
		r.logf("router: dropping IPv4 frame on %s, bad checksum", ingressIface)
		return
	}

	var hdr ipv4.Header
	if err := hdr.UnmarshalBinary(frame[ipStart:]); err != nil {
		r.logf("router: dropping malformed IPv4 header on %s: %v", ingressIface, err)
		return
	}

	ingress := r.routes.Interface(ingressIface)
	// The IP packet ends at TotalLength; anything after it is Ethernet
	// padding and is not part of the payload.
	ipEnd := len(frame)
	if tl := ipStart + int(hdr.TotalLength); tl >= ipStart+ipv4.HeaderLen && tl < ipEnd {
		ipEnd = tl
	}
	payload := frame[ipStart+ipv4.HeaderLen : ipEnd]

	if _, ok := r.routes.InterfaceByIP(hdr.Dst); ok {
		r.deliverLocally(frame, &hdr, payload, ingress)
		return
	}

	r.forward(frame, &hdr, payload, ingress)
}

// deliverLocally handles a packet addressed to one of our own interfaces:
// answers ICMP Echo Request, answers TCP/UDP with Port Unreachable, and
// silently drops everything else.
func (r *Router) deliverLocally(frame []byte, hdr *ipv4.Header, payload []byte, ingress routing.Interface) {
	var srcMAC wire.MAC
	copy(srcMAC[:], frame[6:12])

	switch hdr.Protocol {
	case ipv4.ProtocolICMP:
		r.replyToEcho(hdr, payload, ingress, srcMAC)
	case ipv4.ProtocolTCP, ipv4.ProtocolUDP:
		r.sendPortUnreachable(hdr, payload, ingress, srcMAC, hdr.Src)
	default:
		r.logf("router: dropping locally-addressed packet with protocol %d", hdr.Protocol)
	}
}

func (r *Router) replyToEcho(hdr *ipv4.Header, payload []byte, ingress routing.Interface, srcMAC wire.MAC) {
	// ParseEcho requires the caller to have already checked the type byte;
	// only Echo Request (type 8) gets a reply, not e.g. an Echo Reply
	// addressed to us.
	if len(payload) == 0 || payload[0] != 8 {
		r.logf("router: dropping non-echo-request ICMP to local address")
		return
	}

	id, seq, data, err := icmpmsg.ParseEcho(payload)
	if err != nil {
		r.logf("router: dropping non-echo ICMP to local address: %v", err)
		return
	}

	echoBytes, err := icmpmsg.EchoReply(id, seq, data)
	if err != nil {
		r.logf("router: build echo reply: %v", err)
		return
	}

	replyHdr := ipv4.Header{
		TOS:       hdr.TOS,
		ID:        hdr.ID,
		FlagsFrag: hdr.FlagsFrag,
		TTL:       hdr.TTL - 1,
		Protocol:  ipv4.ProtocolICMP,
		Src:       hdr.Dst,
		Dst:       hdr.Src,
	}
	out, err := icmpreply.Frame(ingress.MAC, srcMAC, &replyHdr, echoBytes)
	if err != nil {
		r.logf("router: build echo reply frame: %v", err)
		return
	}
	if err := r.sender.Send(out, ingress.Name); err != nil {
		r.logf("router: send echo reply on %s: %v", ingress.Name, err)
	}
}

func (r *Router) sendPortUnreachable(hdr *ipv4.Header, payload []byte, ingress routing.Interface, srcMAC wire.MAC, srcIP wire.IPv4) {
	ipHdrBytes, err := hdr.MarshalBinary()
	if err != nil {
		r.logf("router: remarshal offending IP header: %v", err)
		return
	}
	out, err := icmpreply.DestinationUnreachable(
		icmpreply.Endpoint{MAC: ingress.MAC, IP: ingress.IP},
		icmpreply.Endpoint{MAC: srcMAC, IP: srcIP},
		icmpmsg.CodePortUnreachable,
		ipHdrBytes, payload,
	)
	if err != nil {
		r.logf("router: build port-unreachable: %v", err)
		return
	}
	if err := r.sender.Send(out, ingress.Name); err != nil {
		r.logf("router: send port-unreachable on %s: %v", ingress.Name, err)
	}
}

// forward handles a packet not addressed to us: TTL check, decrement,
// route lookup, next-hop resolution (queueing on ARP cache miss).
func (r *Router) forward(frame []byte, hdr *ipv4.Header, payload []byte, ingress routing.Interface) {
	var srcMAC wire.MAC
	copy(srcMAC[:], frame[6:12])
	srcIP := hdr.Src

	if hdr.TTL <= 1 {
		r.sendTimeExceeded(hdr, payload, ingress, srcMAC, srcIP)
		return
	}

	hdr.TTL--
	ipBytes, err := hdr.MarshalBinary()
	if err != nil {
		r.logf("router: remarshal forwarded IP header: %v", err)
		return
	}
	ipv4.SetChecksum(ipBytes)
	hdr.Checksum = binary.BigEndian.Uint16(ipBytes[10:12])
	copy(frame[ethernetHeaderLen:ethernetHeaderLen+ipv4.HeaderLen], ipBytes)

	route, ok := r.routes.Route(hdr.Dst)
	if !ok {
		r.sendNetUnreachable(hdr, payload, ingress, srcMAC, srcIP)
		return
	}

	nextHop := route.Gateway
	if nextHop.IsZero() {
		nextHop = hdr.Dst
	}

	egress := r.routes.Interface(route.Iface)

	mac, ok := r.cache.Lookup(nextHop)
	if !ok {
		r.cache.Queue(nextHop, frame, route.Iface)
		return
	}

	copy(frame[0:6], mac.HardwareAddr())
	copy(frame[6:12], egress.MAC.HardwareAddr())
	if err := r.sender.Send(frame, route.Iface); err != nil {
		r.logf("router: send forwarded frame on %s: %v", route.Iface, err)
	}
}

func (r *Router) sendTimeExceeded(hdr *ipv4.Header, payload []byte, ingress routing.Interface, srcMAC wire.MAC, srcIP wire.IPv4) {
	ipHdrBytes, err := hdr.MarshalBinary()
	if err != nil {
		r.logf("router: remarshal offending IP header: %v", err)
		return
	}
	out, err := icmpreply.TimeExceeded(
		icmpreply.Endpoint{MAC: ingress.MAC, IP: ingress.IP},
		icmpreply.Endpoint{MAC: srcMAC, IP: srcIP},
		icmpmsg.CodeTTLExceeded,
		ipHdrBytes, payload,
	)
	if err != nil {
		r.logf("router: build time-exceeded: %v", err)
		return
	}
	if err := r.sender.Send(out, ingress.Name); err != nil {
		r.logf("router: send time-exceeded on %s: %v", ingress.Name, err)
	}
}

func (r *Router) sendNetUnreachable(hdr *ipv4.Header, payload []byte, ingress routing.Interface, srcMAC wire.MAC, srcIP wire.IPv4) {
	ipHdrBytes, err := hdr.MarshalBinary()
	if err != nil {
		r.logf("router: remarshal offending IP header: %v", err)
		return
	}
	out, err := icmpreply.DestinationUnreachable(
		icmpreply.Endpoint{MAC: ingress.MAC, IP: ingress.IP},
		icmpreply.Endpoint{MAC: srcMAC, IP: srcIP},
		icmpmsg.CodeNetUnreachable,
		ipHdrBytes, payload,
	)
	if err != nil {
		r.logf("router: build net-unreachable: %v", err)
		return
	}
	if err := r.sender.Send(out, ingress.Name); err != nil {
		r.logf("router: send net-unreachable on %s: %v", ingress.Name, err)
	}
}
