// vmrouterd runs the router data plane (internal/netstack/router) as a
// standalone process against real TCP connections instead of a
// hypervisor's virtio-net transport, for integration testing the NAT/
// firewall/DHCP/DNS pipeline without booting a guest.
//
// Guests and the simulated WAN peer connect as plain TCP clients and
// exchange length-prefixed Ethernet frames: a guest dialing --guest-listen
// is assigned the next guest id (guest0, guest1, ...) and wired into the
// router via AddGuest; a single connection to --upstream-listen becomes
// the router's Upstream.
//
// Usage:
//
//	vmrouterd --config router.json --guest-listen :7000 --upstream-listen :7001
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/ghostvm/ghostvm/internal/config"
	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	"github.com/ghostvm/ghostvm/internal/netstack/dhcp"
	"github.com/ghostvm/ghostvm/internal/netstack/dns"
	"github.com/ghostvm/ghostvm/internal/netstack/router"
)

// fileConfig is vmrouterd's on-disk config: the same LAN/DHCP/DNS/
// firewall/WAN shape config.RouterConfig already models for a bundle's
// router.json, plus the two listen addresses this standalone binary needs
// that a bundle (owned by a real hypervisor-attached router) does not.
type fileConfig struct {
	Router         config.RouterConfig `json:"router"`
	GuestListen    string              `json:"guestListen"`
	UpstreamListen string              `json:"upstreamListen"`
	ReapInterval   string              `json:"reapInterval"`
}

func main() {
	configPath := flag.String("config", "", "path to router config JSON")
	guestListen := flag.String("guest-listen", "", "address to accept guest connections on (overrides config)")
	upstreamListen := flag.String("upstream-listen", "", "address to accept the upstream/WAN connection on (overrides config)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "vmrouterd: -config is required")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("vmrouterd: read config: %v", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		log.Fatalf("vmrouterd: parse config: %v", err)
	}
	if *guestListen != "" {
		fc.GuestListen = *guestListen
	}
	if *upstreamListen != "" {
		fc.UpstreamListen = *upstreamListen
	}
	if fc.GuestListen == "" {
		log.Fatal("vmrouterd: guestListen not set (config or -guest-listen)")
	}

	cfg, errs := resolveConfig(fc.Router)
	for _, e := range errs {
		log.Printf("vmrouterd: config warning: %v", e)
	}

	r := router.New(cfg)

	reapInterval := 30 * time.Second
	if fc.ReapInterval != "" {
		d, err := time.ParseDuration(fc.ReapInterval)
		if err != nil {
			log.Fatalf("vmrouterd: bad reapInterval: %v", err)
		}
		reapInterval = d
	}

	if fc.UpstreamListen != "" {
		go acceptUpstream(r, fc.UpstreamListen)
	}

	r.Start(reapInterval)
	defer r.Stop()

	acceptGuests(r, fc.GuestListen)
}

// resolveConfig builds a router.Config from the on-disk RouterConfig,
// the mapping left out of internal/config itself so that leaf package
// never has to import internal/netstack/router.
func resolveConfig(rc config.RouterConfig) (router.Config, []error) {
	var errs []error

	lan, ok := addr.ParseCIDR(rc.LAN)
	if !ok {
		errs = append(errs, fmt.Errorf("invalid lan %q", rc.LAN))
	}
	gateway, ok := addr.ParseIPv4(rc.Gateway)
	if !ok {
		errs = append(errs, fmt.Errorf("invalid gateway %q", rc.Gateway))
	}
	gatewayMAC, err := addr.NewLocallyAdministered()
	if err != nil {
		errs = append(errs, fmt.Errorf("generate gateway MAC: %w", err))
	}

	poolStart, _ := addr.ParseIPv4(rc.PoolStart)
	poolEnd, _ := addr.ParseIPv4(rc.PoolEnd)

	var dnsServers []addr.IPv4
	for _, s := range rc.DNSServers {
		if ip, ok := addr.ParseIPv4(s); ok {
			dnsServers = append(dnsServers, ip)
		} else {
			errs = append(errs, fmt.Errorf("invalid dns server %q", s))
		}
	}

	var statics []dhcp.StaticLease
	for _, sl := range rc.StaticLeases {
		mac, ok := addr.ParseMAC(sl.MAC)
		if !ok {
			errs = append(errs, fmt.Errorf("static lease: invalid mac %q", sl.MAC))
			continue
		}
		ip, ok := addr.ParseIPv4(sl.IP)
		if !ok {
			errs = append(errs, fmt.Errorf("static lease: invalid ip %q", sl.IP))
			continue
		}
		statics = append(statics, dhcp.StaticLease{MAC: mac, IP: ip, Hostname: sl.Hostname})
	}

	dhcpCfg := dhcp.Config{
		PoolStart:     poolStart,
		PoolEnd:       poolEnd,
		Gateway:       gateway,
		SubnetMask:    lan.SubnetMask(),
		DNSServers:    dnsServers,
		StaticLeases:  statics,
		LeaseDuration: 24 * time.Hour,
		ServerID:      gateway,
	}

	firewallEngine, fwErrs := rc.ResolveFirewall()
	errs = append(errs, fwErrs...)

	var portForwards []router.PortForward
	for _, pf := range rc.PortForwards {
		if !pf.Enabled {
			continue
		}
		ip, ok := addr.ParseIPv4(pf.InternalIP)
		if !ok {
			errs = append(errs, fmt.Errorf("port forward %d: invalid internalIP %q", pf.ExternalPort, pf.InternalIP))
			continue
		}
		portForwards = append(portForwards, router.PortForward{
			Protocol:     pf.Protocol,
			ExternalPort: pf.ExternalPort,
			InternalIP:   ip,
			InternalPort: pf.InternalPort,
			Enabled:      pf.Enabled,
		})
	}

	dnsMode := dns.Mode(rc.DNSMode)
	if dnsMode == "" {
		dnsMode = dns.ModePassthrough
	}

	return router.Config{
		LAN:          lan,
		GatewayIP:    gateway,
		GatewayMAC:   gatewayMAC,
		DHCP:         dhcpCfg,
		DNS:          dnsMode,
		DNSServers:   rc.DNSServers,
		WAN:          router.WANMode(rc.WAN),
		Firewall:     firewallEngine,
		PortForwards: portForwards,
	}, errs
}

// acceptGuests accepts one connection per guest for the life of the
// process, assigning sequential ids.
func acceptGuests(r *router.Router, listen string) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("vmrouterd: listen %s: %v", listen, err)
	}
	log.Printf("vmrouterd: accepting guests on %s", listen)

	var nextID int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("vmrouterd: guest accept: %v", err)
			return
		}
		id := fmt.Sprintf("guest%d", atomic.AddInt64(&nextID, 1)-1)
		log.Printf("vmrouterd: guest %s connected from %s", id, conn.RemoteAddr())
		r.AddGuest(id, newFrameConn(conn))
	}
}

// acceptUpstream accepts connections representing the simulated WAN peer
// in a loop and wires each one in as the router's Upstream; every new
// connection replaces the previous one.
func acceptUpstream(r *router.Router, listen string) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("vmrouterd: listen %s: %v", listen, err)
	}
	log.Printf("vmrouterd: accepting upstream on %s", listen)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("vmrouterd: upstream accept: %v", err)
			return
		}
		log.Printf("vmrouterd: upstream connected from %s", conn.RemoteAddr())
		r.SetUpstream(newFrameConn(conn))
	}
}

// frameConn adapts a net.Conn into router.GuestLink/router.Upstream via a
// 4-byte big-endian length prefix per frame — the simplest framing that
// lets a plain TCP stream carry discrete Ethernet frames.
type frameConn struct {
	conn net.Conn
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn}
}

func (f *frameConn) RecvFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *frameConn) SendFrame(frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := f.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.conn.Write(frame)
	return err
}
