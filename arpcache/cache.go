// Package arpcache implements the router's IPv4-to-MAC resolution cache: a
// bounded-lifetime address table, a pending-request table with a
// retransmitting background timer, and a per-request buffer of frames
// waiting on resolution. Modeled on the original static router's ArpCache,
// adapted to Go's concurrency primitives the way the teacher's client
// pairs a background goroutine with a stop channel and a WaitGroup rather
// than a raw thread and a join.
package arpcache

import (
	"sync"
	"time"

	"github.com/mdlayher/ethernet"

	"github.com/staticrtr/router/icmpreply"
	"github.com/staticrtr/router/routing"
	"github.com/staticrtr/router/rtrlog"
	"github.com/staticrtr/router/sender"
	"github.com/staticrtr/router/wire"
	"github.com/staticrtr/router/wire/arp"
	"github.com/staticrtr/router/wire/icmpmsg"
)

// maxRequestsSent bounds how many times a request is retransmitted before
// the cache gives up and reports the target host unreachable.
const maxRequestsSent = 7

// ethernetHeaderLen is the length of an Ethernet II header: destination
// MAC, source MAC, EtherType.
const ethernetHeaderLen = 14

// tickInterval is how often the background goroutine reevaluates pending
// requests and entry ages. Mirrors the 100ms polling loop of the original
// implementation; ARP timeouts run in the seconds, so a single poller is
// plenty precise without per-entry timers.
const tickInterval = 100 * time.Millisecond

// AwaitingPacket is a frame that could not be forwarded because the next
// hop's MAC address was unknown. Frame holds the complete Ethernet frame
// as received, with its Ethernet header still addressed to whoever sent it
// in and its IPv4 payload already decremented/rewritten for forwarding;
// the header is overwritten in place once the address resolves. Iface is
// the egress interface the frame is waiting to leave on.
type AwaitingPacket struct {
	Frame []byte
	Iface string
}

type entryRecord struct {
	mac     wire.MAC
	addedAt time.Time
}

type pendingRequest struct {
	targetIP  wire.IPv4
	lastSent  time.Time
	timesSent int
	awaiting  []AwaitingPacket
}

// Cache is an IPv4-to-MAC resolution cache with a retransmitting resolver.
// It is safe for concurrent use.
type Cache struct {
	timeout time.Duration
	sender  sender.Sender
	routes  *routing.Table
	logf    rtrlog.Logf
	now     func() time.Time

	mu       sync.Mutex
	entries  map[uint32]entryRecord
	requests map[uint32]*pendingRequest

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Cache whose entries expire after timeout and starts its
// background retransmit/expiry goroutine. The caller must call Close when
// done to stop that goroutine. If logf is nil, log messages are discarded.
func New(timeout time.Duration, snd sender.Sender, routes *routing.Table, logf rtrlog.Logf) *Cache {
	if logf == nil {
		logf = rtrlog.Discard
	}
	c := &Cache{
		timeout:  timeout,
		sender:   snd,
		routes:   routes,
		logf:     logf,
		now:      time.Now,
		entries:  make(map[uint32]entryRecord),
		requests: make(map[uint32]*pendingRequest),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *Cache) loop() {
	defer c.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.tick()
		}
	}
}

// Close stops the background goroutine and waits for it to exit. Requests
// still pending at Close are discarded without synthesizing ICMP Host
// Unreachable for their queued frames: shutdown is not a resolution
// failure, and there is no interface left to reply on.
func (c *Cache) Close() {
	close(c.stop)
	c.wg.Wait()
}

// Lookup returns the MAC address cached for ip, if any and not expired.
func (c *Cache) Lookup(ip wire.IPv4) (wire.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip.Uint32()]
	if !ok || c.now().Sub(e.addedAt) >= c.timeout {
		return wire.MAC{}, false
	}
	return e.mac, true
}

// HasRequest reports whether ip already has a pending ARP request, so
// callers can tell a fresh Queue from one that piggybacks on an in-flight
// request.
func (c *Cache) HasRequest(ip wire.IPv4) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requests[ip.Uint32()]
	return ok
}

// Queue buffers frame to be sent out egressIface once ip resolves. If no
// request for ip is already pending, one is created and an ARP request is
// sent immediately.
func (c *Cache) Queue(ip wire.IPv4, frame []byte, egressIface string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.Uint32()
	req, ok := c.requests[key]
	if !ok {
		req = &pendingRequest{targetIP: ip}
		c.requests[key] = req
		c.sendRequestLocked(req)
	}
	req.awaiting = append(req.awaiting, AwaitingPacket{Frame: frame, Iface: egressIface})
}

// Insert records ip's resolved MAC address and flushes every frame
// awaiting that address: each frame's Ethernet header is rewritten in
// place (source MAC set to the egress interface's address, destination
// MAC set to mac) and handed to the sender. A reply for an address with no
// pending request is an unsolicited ARP reply; per spec default it is
// logged and discarded without touching the cache, matching the original
// implementation's behavior.
func (c *Cache) Insert(ip wire.IPv4, mac wire.MAC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ip.Uint32()
	req, ok := c.requests[key]
	if !ok {
		c.logf("arpcache: unsolicited reply for %v, discarding", ip)
		return
	}
	delete(c.requests, key)
	c.entries[key] = entryRecord{mac: mac, addedAt: c.now()}

	for _, awaiting := range req.awaiting {
		c.flushLocked(awaiting, mac)
	}
}

func (c *Cache) flushLocked(awaiting AwaitingPacket, mac wire.MAC) {
	frame := awaiting.Frame
	if len(frame) < ethernetHeaderLen {
		c.logf("arpcache: awaiting frame too short to flush (%d bytes)", len(frame))
		return
	}

	iface := c.routes.Interface(awaiting.Iface)
	copy(frame[0:6], mac.HardwareAddr())
	copy(frame[6:12], iface.MAC.HardwareAddr())

	if err := c.sender.Send(frame, awaiting.Iface); err != nil {
		c.logf("arpcache: flush to %s via %s: %v", mac, awaiting.Iface, err)
	}
}

// tick reevaluates every pending request and cache entry. A request whose
// last attempt is older than timeout is either retransmitted (timesSent <
// maxRequestsSent) or failed outright, synthesizing ICMP Host Unreachable
// for each of its awaiting frames. An entry older than timeout is expired.
func (c *Cache) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	for key, req := range c.requests {
		if now.Sub(req.lastSent) < c.timeout {
			continue
		}
		if req.timesSent >= maxRequestsSent {
			c.failLocked(req)
			delete(c.requests, key)
			continue
		}
		c.sendRequestLocked(req)
	}

	for key, e := range c.entries {
		if now.Sub(e.addedAt) >= c.timeout {
			delete(c.entries, key)
		}
	}
}

// sendRequestLocked sends a broadcast "who-has" ARP request for
// req.targetIP out the interface the routing table says owns the route to
// it, and bumps req's retransmit bookkeeping. If there is no route, the
// request is left as-is for the next tick to retry.
func (c *Cache) sendRequestLocked(req *pendingRequest) {
	entry, ok := c.routes.Route(req.targetIP)
	if !ok {
		c.logf("arpcache: no route to %v, deferring ARP request", req.targetIP)
		return
	}
	iface := c.routes.Interface(entry.Iface)

	pkt := arp.NewRequest(iface.MAC, iface.IP, req.targetIP)
	arpBytes, err := pkt.MarshalBinary()
	if err != nil {
		c.logf("arpcache: marshal ARP request for %v: %v", req.targetIP, err)
		return
	}

	frame := &ethernet.Frame{
		Destination: wire.Broadcast.HardwareAddr(),
		Source:      iface.MAC.HardwareAddr(),
		EtherType:      ethernet.EtherTypeARP,
		Payload:        arpBytes,
	}
	frameBytes, err := frame.MarshalBinary()
	if err != nil {
		c.logf("arpcache: marshal ARP request frame for %v: %v", req.targetIP, err)
		return
	}

	if err := c.sender.Send(frameBytes, iface.Name); err != nil {
		c.logf("arpcache: send ARP request for %v via %s: %v", req.targetIP, iface.Name, err)
	}

	req.lastSent = c.now()
	req.timesSent++
}

// failLocked synthesizes and sends an ICMP Host Unreachable for each frame
// waiting on req's target, sourced from the interface it was to be
// forwarded out, addressed back to the original sender recorded in the
// frame's still-unrewritten Ethernet/IP headers.
func (c *Cache) failLocked(req *pendingRequest) {
	for _, awaiting := range req.awaiting {
		c.sendHostUnreachableLocked(awaiting)
	}
}

func (c *Cache) sendHostUnreachableLocked(awaiting AwaitingPacket) {
	const ipOffset = ethernetHeaderLen
	frame := awaiting.Frame
	if len(frame) < ipOffset+20 {
		c.logf("arpcache: awaiting frame too short for host-unreachable (%d bytes)", len(frame))
		return
	}

	var originalSrcMAC wire.MAC
	copy(originalSrcMAC[:], frame[6:12])

	var originalSrcIP wire.IPv4
	copy(originalSrcIP[:], frame[ipOffset+12:ipOffset+16])

	iface := c.routes.Interface(awaiting.Iface)

	reply, err := icmpreply.DestinationUnreachable(
		icmpreply.Endpoint{MAC: iface.MAC, IP: iface.IP},
		icmpreply.Endpoint{MAC: originalSrcMAC, IP: originalSrcIP},
		icmpmsg.CodeHostUnreachable,
		frame[ipOffset:ipOffset+20],
		frame[ipOffset+20:],
	)
	if err != nil {
		c.logf("arpcache: build host-unreachable for %v: %v", originalSrcIP, err)
		return
	}

	if err := c.sender.Send(reply, awaiting.Iface); err != nil {
		c.logf("arpcache: send host-unreachable to %v via %s: %v", originalSrcIP, awaiting.Iface, err)
	}
}
