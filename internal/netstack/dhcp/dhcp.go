// Package dhcp implements the embedded DHCP server: full DORA, a dynamic
// lease pool, and static lease overrides. Message parsing/building is
// delegated to github.com/insomniacslk/dhcp/dhcpv4 (already pulled
// transitively through gvisor-tap-vsock in the teacher's dependency graph;
// promoted here to a direct, exercised dependency) so option encoding and
// transaction-ID/chaddr echoing follow RFC 2131/2132 exactly. The lease
// table bookkeeping (mutex-guarded map, static-lease override lookup) is
// grounded in shape on the retrieved CNI dhcp-daemon's leases map and the
// AdGuardHome dhcpd config's pool+static-lease split.
package dhcp

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
)

// DefaultLeaseDuration is the lease length granted on REQUEST, per spec.md §4.7.4.
const DefaultLeaseDuration = time.Hour

// StaticLease fixes a MAC to an IP outside (or inside) the dynamic pool,
// plus optional per-lease option overrides.
type StaticLease struct {
	MAC         addr.MAC
	IP          addr.IPv4
	Hostname    string
	DNSOverride []addr.IPv4
	Gateway     *addr.IPv4
	PXEServer   *addr.IPv4
	PXEFilename string
}

// Lease is a committed or offered dynamic lease.
type Lease struct {
	MAC           addr.MAC
	IP            addr.IPv4
	Hostname      string
	LeaseStart    time.Time
	LeaseDuration time.Duration
	offered       bool
}

// Config is the server's static configuration, mirroring the DHCP-relevant
// slice of spec.md §3's RouterConfig.
type Config struct {
	PoolStart     addr.IPv4
	PoolEnd       addr.IPv4
	Gateway       addr.IPv4
	SubnetMask    addr.IPv4
	DNSServers    []addr.IPv4
	StaticLeases  []StaticLease
	LeaseDuration time.Duration
	ServerID      addr.IPv4 // the router's own IP, used as DHCP server identifier
}

// Server is the embedded DHCP server. Thread safety: the lease table is
// guarded by a single mutex; concurrent DORA cycles from distinct MACs
// proceed independently (the lock is only briefly held to update the map).
type Server struct {
	mu       sync.Mutex
	cfg      Config
	leases   map[addr.MAC]*Lease  // dynamic leases, keyed by MAC
	byIP     map[addr.IPv4]addr.MAC
	statics  map[addr.MAC]StaticLease

	now func() time.Time
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	s := &Server{
		cfg:     cfg,
		leases:  make(map[addr.MAC]*Lease),
		byIP:    make(map[addr.IPv4]addr.MAC),
		statics: make(map[addr.MAC]StaticLease),
		now:     time.Now,
	}
	for _, sl := range cfg.StaticLeases {
		s.statics[sl.MAC] = sl
	}
	return s
}

// staticFor returns the static lease for mac, if any.
func (s *Server) staticFor(mac addr.MAC) (StaticLease, bool) {
	sl, ok := s.statics[mac]
	return sl, ok
}

// nextFreeIPLocked returns the lowest free address in the dynamic pool, or false
// if the pool is exhausted. Caller must hold s.mu.
func (s *Server) nextFreeIPLocked(mac addr.MAC) (addr.IPv4, bool) {
	// A MAC with an existing (non-expired) dynamic lease keeps its address.
	if l, ok := s.leases[mac]; ok && !s.expiredLocked(l) {
		return l.IP, true
	}

	cur := s.cfg.PoolStart
	for {
		if owner, taken := s.byIP[cur]; !taken || owner == mac {
			return cur, true
		}
		if cur == s.cfg.PoolEnd {
			return addr.IPv4{}, false
		}
		cur = cur.AdvancedBy(1)
	}
}

func (s *Server) expiredLocked(l *Lease) bool {
	if l.offered {
		return false
	}
	return s.now().After(l.LeaseStart.Add(l.LeaseDuration))
}

// HandleDiscover processes a DHCPDISCOVER and returns the OFFER frame
// bytes, or nil if no offer should be sent (pool exhausted and no static
// lease — spec.md §4.7.4 says don't NAK in this case, just stay silent).
func (s *Server) HandleDiscover(req *dhcpv4.DHCPv4) []byte {
	mac := hwAddrToMAC(req.ClientHWAddr)

	s.mu.Lock()
	var offerIP addr.IPv4
	if sl, ok := s.staticFor(mac); ok {
		offerIP = sl.IP
	} else {
		ip, ok := s.nextFreeIPLocked(mac)
		if !ok {
			s.mu.Unlock()
			return nil
		}
		offerIP = ip
		s.leases[mac] = &Lease{MAC: mac, IP: offerIP, offered: true}
		s.byIP[offerIP] = mac
	}
	s.mu.Unlock()

	reply, err := s.buildReply(req, dhcpv4.MessageTypeOffer, mac, offerIP)
	if err != nil {
		return nil
	}
	return reply.ToBytes()
}

// HandleRequest processes a DHCPREQUEST. If requestedIP matches the prior
// offer or a still-valid existing lease for this MAC, commits the lease
// and returns an ACK; otherwise returns a NAK.
func (s *Server) HandleRequest(req *dhcpv4.DHCPv4) []byte {
	mac := hwAddrToMAC(req.ClientHWAddr)
	requested := requestedIP(req)

	s.mu.Lock()
	sl, isStatic := s.staticFor(mac)
	var commitIP addr.IPv4
	ok := false

	switch {
	case isStatic:
		commitIP, ok = sl.IP, requested == sl.IP || requested == (addr.IPv4{})
	default:
		if l, exists := s.leases[mac]; exists && (requested == l.IP) {
			commitIP, ok = l.IP, true
		}
	}

	if ok {
		now := s.now()
		dur := s.cfg.LeaseDuration
		s.leases[mac] = &Lease{MAC: mac, IP: commitIP, LeaseStart: now, LeaseDuration: dur}
		s.byIP[commitIP] = mac
	}
	s.mu.Unlock()

	if !ok {
		nak, err := s.buildNak(req, mac)
		if err != nil {
			return nil
		}
		return nak.ToBytes()
	}

	reply, err := s.buildReply(req, dhcpv4.MessageTypeAck, mac, commitIP)
	if err != nil {
		return nil
	}
	return reply.ToBytes()
}

func requestedIP(req *dhcpv4.DHCPv4) addr.IPv4 {
	var ip addr.IPv4
	opt := req.Options.Get(dhcpv4.OptionRequestedIPAddress)
	if len(opt) == 4 {
		copy(ip[:], opt)
		return ip
	}
	if req.ClientIPAddr != nil && !req.ClientIPAddr.Equal(net.IPv4zero) {
		copy(ip[:], req.ClientIPAddr.To4())
	}
	return ip
}

func (s *Server) buildReply(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType, mac addr.MAC, yiaddr addr.IPv4) (*dhcpv4.DHCPv4, error) {
	sl, _ := s.staticFor(mac)

	gw := s.cfg.Gateway
	if sl.Gateway != nil {
		gw = *sl.Gateway
	}
	dns := s.cfg.DNSServers
	if len(sl.DNSOverride) > 0 {
		dns = sl.DNSOverride
	}

	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithYourIP(net.IP(yiaddr.Bytes())),
		dhcpv4.WithServerIP(net.IP(s.cfg.ServerID.Bytes())),
		dhcpv4.WithNetmask(net.IPMask(s.cfg.SubnetMask.Bytes())),
		dhcpv4.WithRouter(ipSliceToNet([]addr.IPv4{gw})...),
		dhcpv4.WithDNS(ipSliceToNet(dns)...),
		dhcpv4.WithLeaseTime(uint32(s.cfg.LeaseDuration.Seconds())),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(s.cfg.ServerID.Bytes()))),
	}
	if sl.PXEServer != nil {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionTFTPServerName, []byte(sl.PXEServer.String()))))
	}
	if sl.PXEFilename != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionBootfileName, []byte(sl.PXEFilename))))
	}

	reply, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		return nil, fmt.Errorf("build dhcp reply: %w", err)
	}
	return reply, nil
}

func (s *Server) buildNak(req *dhcpv4.DHCPv4, mac addr.MAC) (*dhcpv4.DHCPv4, error) {
	reply, err := dhcpv4.NewReplyFromRequest(req, dhcpv4.WithMessageType(dhcpv4.MessageTypeNak))
	if err != nil {
		return nil, fmt.Errorf("build dhcp nak: %w", err)
	}
	return reply, nil
}

func hwAddrToMAC(hw net.HardwareAddr) addr.MAC {
	var m addr.MAC
	copy(m[:], hw)
	return m
}

func ipSliceToNet(ips []addr.IPv4) []net.IP {
	out := make([]net.IP, len(ips))
	for i, ip := range ips {
		out[i] = net.IP(ip.Bytes())
	}
	return out
}

// SeedLease restores a persisted dynamic lease into the in-memory table,
// for the router to call on restart before serving any DORA traffic
// (SPEC_FULL.md §3.1: "dynamic lease assignments survive a router
// restart without reusing an address still held by a guest"). Expired
// leases are accepted too; expiredLocked reclaims the address on the
// next DISCOVER for that MAC.
func (s *Server) SeedLease(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := l
	stored.offered = false
	s.leases[l.MAC] = &stored
	s.byIP[l.IP] = l.MAC
}

// Leases returns a snapshot of all committed (non-offer) dynamic leases,
// sorted by IP ascending, for status reporting.
func (s *Server) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		if !l.offered {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// Dispatch inspects a raw DHCP message and routes it to HandleDiscover or
// HandleRequest, returning the reply bytes (or nil for no reply / unknown
// message type). This is the entry point the router calls for UDP frames
// addressed to *:67 from *:68.
func (s *Server) Dispatch(raw []byte) []byte {
	req, err := dhcpv4.FromBytes(raw)
	if err != nil {
		return nil
	}
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return s.HandleDiscover(req)
	case dhcpv4.MessageTypeRequest:
		return s.HandleRequest(req)
	default:
		return nil
	}
}
