// Package routing implements the router's static routing table and local
// interface registry, modeled on the longest-prefix-match table described
// in the original static router's RoutingTable component.
package routing

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/staticrtr/router/wire"
)

// ErrInvalidRoutingTable is returned when a routing table file contains a
// line that cannot be parsed as "dest gateway mask iface".
var ErrInvalidRoutingTable = errors.New("invalid routing table")

// Entry is a single static route. Entries are immutable once loaded.
type Entry struct {
	Dest    wire.IPv4
	Gateway wire.IPv4
	Mask    wire.IPv4
	Iface   string
}

// Interface is a local router interface: its name, MAC address, and IPv4
// address. Populated once by the I/O layer via SetInterface before the
// router begins processing frames, and stable thereafter.
type Interface struct {
	Name string
	MAC  wire.MAC
	IP   wire.IPv4
}

// Table holds the immutable set of static routes loaded at startup plus
// the mutable-but-rarely-written registry of local interfaces. Route is
// read-only and safe for concurrent use without further synchronization
// once loading has finished; SetInterface/Interface/Interfaces take a
// read-write lock since the I/O layer populates interfaces as devices come
// up.
type Table struct {
	entries []Entry

	mu     sync.RWMutex
	ifaces map[string]Interface
}

// NewTable returns an empty Table, ready to have interfaces registered and
// routes added.
func NewTable() *Table {
	return &Table{
		ifaces: make(map[string]Interface),
	}
}

// LoadFile parses a routing table text file: each nonempty line is four
// whitespace-separated dotted-quad/name fields, "dest gateway mask iface".
// Blank lines are ignored; there is no comment syntax. Entries are kept in
// file order, which matters for tie-breaking equal-length prefix matches
// in Route.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "open routing table file")
	}
	defer f.Close()

	t := NewTable()
	if err := t.loadReader(f); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) loadReader(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return errors.Annotatef(ErrInvalidRoutingTable, "line %q: want 4 fields, got %d", line, len(fields))
		}

		dest, err := wire.ParseIPv4(fields[0])
		if err != nil {
			return errors.Annotatef(ErrInvalidRoutingTable, "line %q: %v", line, err)
		}
		gateway, err := wire.ParseIPv4(fields[1])
		if err != nil {
			return errors.Annotatef(ErrInvalidRoutingTable, "line %q: %v", line, err)
		}
		mask, err := wire.ParseIPv4(fields[2])
		if err != nil {
			return errors.Annotatef(ErrInvalidRoutingTable, "line %q: %v", line, err)
		}

		t.entries = append(t.entries, Entry{
			Dest:    dest,
			Gateway: gateway,
			Mask:    mask,
			Iface:   fields[3],
		})
	}
	if err := sc.Err(); err != nil {
		return errors.Annotate(err, "read routing table file")
	}
	return nil
}

// SetInterface registers a local interface's MAC and IPv4 address. Called
// once per interface by the I/O layer before the router begins processing
// frames.
func (t *Table) SetInterface(name string, mac wire.MAC, ip wire.IPv4) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ifaces[name] = Interface{Name: name, MAC: mac, IP: ip}
}

// Interface returns the named interface's record. Looking up an unknown
// interface name is a programmer error: the I/O layer is required to
// register every interface it will deliver frames from before the router
// processes anything, so a miss here means the caller is misconfigured.
func (t *Table) Interface(name string) Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	iface, ok := t.ifaces[name]
	if !ok {
		panic("routing: unknown interface " + name)
	}
	return iface
}

// Interfaces returns a snapshot of all registered local interfaces.
func (t *Table) Interfaces() []Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Interface, 0, len(t.ifaces))
	for _, iface := range t.ifaces {
		out = append(out, iface)
	}
	return out
}

// InterfaceByIP returns the local interface owning ip, if any.
func (t *Table) InterfaceByIP(ip wire.IPv4) (Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, iface := range t.ifaces {
		if iface.IP == ip {
			return iface, true
		}
	}
	return Interface{}, false
}

// Route performs a longest-prefix match for ip: among all entries where
// (ip & mask) == (dest & mask), it returns the one whose mask has the
// largest popcount, breaking ties by first-seen (file) order. Route is
// read-only and safe to call concurrently without a lock, since entries is
// never mutated after LoadFile returns.
func (t *Table) Route(ip wire.IPv4) (Entry, bool) {
	best := -1
	var bestEntry Entry
	found := false

	for _, e := range t.entries {
		if ip.And(e.Mask) != e.Dest.And(e.Mask) {
			continue
		}
		if n := e.Mask.MaskPopcount(); n > best {
			best = n
			bestEntry = e
			found = true
		}
	}

	return bestEntry, found
}
