package arpcache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/staticrtr/router/routing"
	"github.com/staticrtr/router/wire"
)

type sentFrame struct {
	frame []byte
	iface string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sentFrame
}

func (s *fakeSender) Send(frame []byte, iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.out = append(s.out, sentFrame{frame: cp, iface: iface})
	return nil
}

func (s *fakeSender) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.out...)
}

func mustIPv4(t *testing.T, s string) wire.IPv4 {
	t.Helper()
	ip, err := wire.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return ip
}

func testTable(t *testing.T) *routing.Table {
	t.Helper()
	tbl := routing.NewTable()
	tbl.SetInterface("eth0", wire.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x00}, mustIPv4(t, "10.0.1.1"))
	return tbl
}

// tableWithRoute returns a Table loaded with a single route to cidr via
// iface, plus that interface registered with mac/ip.
func tableWithRoute(t *testing.T, routeLine string, iface string, mac wire.MAC, ip wire.IPv4) *routing.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.txt")
	if err := os.WriteFile(path, []byte(routeLine+"\n"), 0o644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	tbl, err := routing.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tbl.SetInterface(iface, mac, ip)
	return tbl
}

// newTestCache returns a Cache with its background goroutine never
// started, so tests can drive tick() deterministically under a fake
// clock instead of racing a real timer.
func newTestCache(snd *fakeSender, tbl *routing.Table, timeout time.Duration) *Cache {
	return &Cache{
		timeout:  timeout,
		sender:   snd,
		routes:   tbl,
		logf:     func(string, ...interface{}) {},
		now:      time.Now,
		entries:  make(map[uint32]entryRecord),
		requests: make(map[uint32]*pendingRequest),
		stop:     make(chan struct{}),
	}
}

func macEqual(b []byte, m wire.MAC) bool {
	if len(b) != 6 {
		return false
	}
	for i := range m {
		if b[i] != m[i] {
			return false
		}
	}
	return true
}

// buildIPv4Frame constructs a minimal Ethernet+IPv4 frame (no options, no
// payload) from src to dst, suitable as an awaiting-packet fixture. The
// Ethernet header is left zeroed, as it would be at queue time before the
// source/destination MACs are known.
func buildIPv4Frame(src, dst wire.IPv4) []byte {
	frame := make([]byte, 34)
	frame[12], frame[13] = 0x08, 0x00 // EtherType IPv4

	ip := frame[14:34]
	ip[0] = 0x45
	ip[8] = 64 // TTL
	ip[9] = 6  // arbitrary upper-layer protocol
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	return frame
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(&fakeSender{}, testTable(t), time.Second)
	if _, ok := c.Lookup(mustIPv4(t, "10.0.1.2")); ok {
		t.Fatal("Lookup on empty cache returned ok=true")
	}
}

func TestQueueWithoutRouteDefersRequest(t *testing.T) {
	tbl := testTable(t) // no routes loaded, only the interface
	target := mustIPv4(t, "10.0.1.42")
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	c.Queue(target, buildIPv4Frame(mustIPv4(t, "10.0.1.1"), target), "eth0")

	if !c.HasRequest(target) {
		t.Fatal("HasRequest = false after Queue")
	}
	if len(snd.frames()) != 0 {
		t.Fatalf("sent %d frames with no route loaded, want 0", len(snd.frames()))
	}

	c.mu.Lock()
	req := c.requests[target.Uint32()]
	c.mu.Unlock()
	if req == nil {
		t.Fatal("request missing")
	}
	if req.timesSent != 0 {
		t.Fatalf("timesSent = %d, want 0 (no route loaded)", req.timesSent)
	}
	if len(req.awaiting) != 1 {
		t.Fatalf("len(awaiting) = %d, want 1", len(req.awaiting))
	}
}

func TestQueueWithRouteSendsARPRequest(t *testing.T) {
	ifaceMAC := wire.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x00}
	ifaceIP := mustIPv4(t, "10.0.1.1")
	tbl := tableWithRoute(t, "10.0.1.0 0.0.0.0 255.255.255.0 eth0", "eth0", ifaceMAC, ifaceIP)

	target := mustIPv4(t, "10.0.1.42")
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	c.Queue(target, buildIPv4Frame(ifaceIP, target), "eth0")

	frames := snd.frames()
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1 ARP request", len(frames))
	}
	if frames[0].iface != "eth0" {
		t.Fatalf("sent on iface %q, want eth0", frames[0].iface)
	}

	c.mu.Lock()
	req := c.requests[target.Uint32()]
	c.mu.Unlock()
	if req.timesSent != 1 {
		t.Fatalf("timesSent = %d, want 1", req.timesSent)
	}
}

func TestInsertFlushesAwaitingFrames(t *testing.T) {
	ifaceMAC := wire.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x00}
	ifaceIP := mustIPv4(t, "10.0.1.1")
	tbl := tableWithRoute(t, "10.0.1.0 0.0.0.0 255.255.255.0 eth0", "eth0", ifaceMAC, ifaceIP)

	target := mustIPv4(t, "10.0.1.42")
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	frame := buildIPv4Frame(ifaceIP, target)
	staleDst := wire.MAC{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	copy(frame[0:6], staleDst[:]) // stale dst, overwritten on flush
	c.Queue(target, frame, "eth0")

	resolved := wire.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	c.Insert(target, resolved)

	if c.HasRequest(target) {
		t.Fatal("HasRequest = true after Insert resolved it")
	}
	got, ok := c.Lookup(target)
	if !ok || got != resolved {
		t.Fatalf("Lookup = %v, %v; want %v, true", got, ok, resolved)
	}

	frames := snd.frames()
	// One ARP request (from Queue) plus one flushed data frame.
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	flushed := frames[1].frame
	if !macEqual(flushed[0:6], resolved) {
		t.Fatalf("flushed destination MAC = %x, want %v", flushed[0:6], resolved)
	}
	if !macEqual(flushed[6:12], ifaceMAC) {
		t.Fatalf("flushed source MAC = %x, want %v", flushed[6:12], ifaceMAC)
	}
}

func TestInsertUnsolicitedIsDiscarded(t *testing.T) {
	tbl := testTable(t)
	target := mustIPv4(t, "10.0.1.99")
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	c.Insert(target, wire.MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})

	if len(snd.frames()) != 0 {
		t.Fatalf("unsolicited Insert sent %d frames, want 0", len(snd.frames()))
	}
	if _, ok := c.Lookup(target); ok {
		t.Fatal("unsolicited reply should be discarded, not cached")
	}
}

func TestTickRetransmitsUntilLimitThenFailsWithICMP(t *testing.T) {
	ifaceMAC := wire.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x00}
	ifaceIP := mustIPv4(t, "10.0.1.1")
	tbl := tableWithRoute(t, "10.0.1.0 0.0.0.0 255.255.255.0 eth0", "eth0", ifaceMAC, ifaceIP)

	target := mustIPv4(t, "10.0.1.42")
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	frame := buildIPv4Frame(mustIPv4(t, "10.0.1.200"), target)
	c.Queue(target, frame, "eth0") // attempt 1

	for i := 0; i < 6; i++ { // attempts 2-7
		now = now.Add(2 * time.Second)
		c.tick()
	}

	c.mu.Lock()
	_, stillPending := c.requests[target.Uint32()]
	c.mu.Unlock()
	if !stillPending {
		t.Fatal("request should still be pending after 7 sends")
	}
	if got := len(snd.frames()); got != 7 {
		t.Fatalf("sent %d ARP requests, want 7", got)
	}

	// The next tick past timeout is the 8th attempt, over the limit: the
	// request fails and an ICMP Host Unreachable is sent instead of
	// another ARP request.
	now = now.Add(2 * time.Second)
	c.tick()

	if c.HasRequest(target) {
		t.Fatal("request should be gone after exceeding the retry limit")
	}

	frames := snd.frames()
	if len(frames) != 8 {
		t.Fatalf("len(frames) = %d, want 8 (7 ARP + 1 ICMP)", len(frames))
	}

	icmpFrame := frames[7].frame
	ipPayload := icmpFrame[14:]
	msg, err := icmp.ParseMessage(1, ipPayload[20:])
	if err != nil {
		t.Fatalf("parse ICMP: %v", err)
	}
	if msg.Type != ipv4.ICMPTypeDestinationUnreachable {
		t.Fatalf("ICMP type = %v, want DestinationUnreachable", msg.Type)
	}
}

func TestTickExpiresOldEntries(t *testing.T) {
	tbl := testTable(t)
	snd := &fakeSender{}
	c := newTestCache(snd, tbl, time.Second)

	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	target := mustIPv4(t, "10.0.1.5")
	c.entries[target.Uint32()] = entryRecord{
		mac:     wire.MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		addedAt: now,
	}

	now = now.Add(500 * time.Millisecond)
	c.tick()
	if _, ok := c.Lookup(target); !ok {
		t.Fatal("entry expired before timeout elapsed")
	}

	now = now.Add(600 * time.Millisecond)
	c.tick()
	if _, ok := c.Lookup(target); ok {
		t.Fatal("entry should have expired")
	}
}

func TestCloseStopsBackgroundGoroutine(t *testing.T) {
	c := New(time.Second, &fakeSender{}, testTable(t), nil)
	c.Close()
	// Reaching here without a hang confirms the goroutine exited.
}
