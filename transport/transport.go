// Package transport implements the router's PacketSender over raw
// Ethernet sockets, one per named interface, using github.com/mdlayher/raw.
// Grounded on the teacher's Client/Server pair: raw.ListenPacket to open
// the socket, WriteTo/ReadFrom with a raw.Addr for the hardware
// destination, except here every EtherType is observed (ETH_P_ALL)
// instead of only ARP, since the router also needs IPv4 frames.
package transport

import (
	"net"
	"sync"
	"syscall"

	"github.com/juju/errors"
	"github.com/mdlayher/raw"

	"github.com/staticrtr/router/rtrlog"
	"github.com/staticrtr/router/wire"
)

// Handler processes one received frame together with the name of the
// interface it arrived on. It is called synchronously from each
// interface's receive loop, one goroutine per interface.
type Handler func(frame []byte, iface string)

// receiveBufferLen is generous for the frame sizes this router handles
// (Ethernet+IPv4, no jumbo frames, no fragmentation).
const receiveBufferLen = 2048

// Multiplexer owns one packet socket per local interface and dispatches
// received frames to a Handler, while also implementing the sender.Sender
// interface the router core depends on. Conns are held as net.PacketConn
// rather than the concrete *raw.PacketConn so tests can substitute fakes,
// the same split the teacher uses between ListenAndServe (opens the real
// socket) and Serve (takes a net.PacketConn).
type Multiplexer struct {
	logf rtrlog.Logf

	mu    sync.RWMutex
	conns map[string]net.PacketConn

	wg sync.WaitGroup
}

// New opens a raw socket on each named interface and returns a
// Multiplexer ready to Serve. Interfaces that fail to open are reported
// as an error; partially-opened sockets are closed before returning.
func New(ifaceNames []string, logf rtrlog.Logf) (*Multiplexer, error) {
	if logf == nil {
		logf = rtrlog.Discard
	}
	m := &Multiplexer{
		logf:  logf,
		conns: make(map[string]net.PacketConn, len(ifaceNames)),
	}

	for _, name := range ifaceNames {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			m.closeAll()
			return nil, errors.Annotatef(err, "look up interface %q", name)
		}
		conn, err := raw.ListenPacket(ifi, uint16(syscall.ETH_P_ALL), nil)
		if err != nil {
			m.closeAll()
			return nil, errors.Annotatef(err, "open raw socket on %q", name)
		}
		m.conns[name] = conn
	}
	return m, nil
}

// newForTest builds a Multiplexer directly from preopened conns, skipping
// the real-socket setup in New.
func newForTest(conns map[string]net.PacketConn, logf rtrlog.Logf) *Multiplexer {
	if logf == nil {
		logf = rtrlog.Discard
	}
	return &Multiplexer{logf: logf, conns: conns}
}

func (m *Multiplexer) closeAll() {
	for _, conn := range m.conns {
		conn.Close()
	}
}

// Send implements sender.Sender: it writes frame out the named interface,
// addressed at the link layer to the destination MAC already encoded in
// frame's Ethernet header.
func (m *Multiplexer) Send(frame []byte, iface string) error {
	if len(frame) < 6 {
		return errors.Errorf("transport: frame too short to address (%d bytes)", len(frame))
	}

	m.mu.RLock()
	conn, ok := m.conns[iface]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("transport: unknown interface %q", iface)
	}

	var dst wire.MAC
	copy(dst[:], frame[0:6])

	_, err := conn.WriteTo(frame, &raw.Addr{HardwareAddr: dst.HardwareAddr()})
	if err != nil {
		return errors.Annotatef(err, "write to %q", iface)
	}
	return nil
}

// Serve starts one receive goroutine per interface, delivering every
// frame to handler. It returns immediately; call Close to stop.
func (m *Multiplexer) Serve(handler Handler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, conn := range m.conns {
		m.wg.Add(1)
		go m.receiveLoop(name, conn, handler)
	}
}

func (m *Multiplexer) receiveLoop(name string, conn net.PacketConn, handler Handler) {
	defer m.wg.Done()
	buf := make([]byte, receiveBufferLen)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			m.logf("transport: read from %s: %v", name, err)
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		handler(frame, name)
	}
}

// Close closes every interface's raw socket, which unblocks and ends each
// receive goroutine, then waits for them to exit.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.Annotatef(err, "close %q", name)
		}
	}
	m.wg.Wait()
	return firstErr
}
