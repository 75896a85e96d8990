// Command staticrouterd runs the static IPv4 router as a standalone
// process: it loads a routing table, opens a raw socket on each configured
// interface, and forwards packets between them until terminated.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/staticrtr/router/arpcache"
	"github.com/staticrtr/router/router"
	"github.com/staticrtr/router/routing"
	"github.com/staticrtr/router/rtrlog"
	"github.com/staticrtr/router/transport"
	"github.com/staticrtr/router/wire"
)

// ifaceFlags collects repeated -iface flags of the form
// "name=ip/mac", e.g. "eth0=10.0.1.1/00:11:22:33:44:00".
type ifaceFlags []ifaceSpec

type ifaceSpec struct {
	name string
	ip   wire.IPv4
	mac  wire.MAC
}

func (f *ifaceFlags) String() string {
	parts := make([]string, len(*f))
	for i, s := range *f {
		parts[i] = fmt.Sprintf("%s=%v/%v", s.name, s.ip, s.mac)
	}
	return strings.Join(parts, ",")
}

func (f *ifaceFlags) Set(value string) error {
	name, rest, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("invalid -iface %q: want name=ip/mac", value)
	}
	ipStr, macStr, ok := strings.Cut(rest, "/")
	if !ok {
		return fmt.Errorf("invalid -iface %q: want name=ip/mac", value)
	}
	ip, err := wire.ParseIPv4(ipStr)
	if err != nil {
		return fmt.Errorf("invalid -iface %q: %w", value, err)
	}
	mac, err := wire.ParseMAC(macStr)
	if err != nil {
		return fmt.Errorf("invalid -iface %q: %w", value, err)
	}
	*f = append(*f, ifaceSpec{name: name, ip: ip, mac: mac})
	return nil
}

var (
	configFlag     = flag.String("config", "", "path to the routing table file")
	arpTimeoutFlag = flag.Duration("arp-timeout", 5*time.Second, "ARP cache entry/request timeout")
	ifacesFlag     ifaceFlags
)

func main() {
	flag.Var(&ifacesFlag, "iface", "interface to route on, name=ip/mac (repeatable)")
	flag.Parse()

	if *configFlag == "" {
		log.Fatal("missing required -config flag")
	}
	if len(ifacesFlag) == 0 {
		log.Fatal("at least one -iface flag is required")
	}

	logf := rtrlog.Standard("staticrouterd: ")

	routes, err := routing.LoadFile(*configFlag)
	if err != nil {
		log.Fatalf("load routing table: %v", err)
	}

	ifaceNames := make([]string, 0, len(ifacesFlag))
	for _, spec := range ifacesFlag {
		if _, err := net.InterfaceByName(spec.name); err != nil {
			log.Fatalf("interface %q: %v", spec.name, err)
		}
		routes.SetInterface(spec.name, spec.mac, spec.ip)
		ifaceNames = append(ifaceNames, spec.name)
	}

	mux, err := transport.New(ifaceNames, logf)
	if err != nil {
		log.Fatalf("open interfaces: %v", err)
	}

	cache := arpcache.New(*arpTimeoutFlag, mux, routes, logf)
	rtr := router.New(routes, cache, mux, logf)

	mux.Serve(rtr.OnPacket)
	logf("listening on %s", strings.Join(ifaceNames, ", "))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logf("shutting down")
	cache.Close()
	if err := mux.Close(); err != nil {
		log.Fatalf("close interfaces: %v", err)
	}
}
