package router

import (
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	routerdns "github.com/ghostvm/ghostvm/internal/netstack/dns"
	"github.com/ghostvm/ghostvm/internal/netstack/firewall"
	"github.com/ghostvm/ghostvm/internal/netstack/packet"
)

// fakeLink records every frame sent to it and never produces a frame on
// RecvFrame — tests drive the router's pipeline directly via
// HandleGuestFrame/HandleUpstreamFrame rather than through guestLoop.
type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeLink) RecvFrame() ([]byte, error) { select {} }

func (f *fakeLink) SendFrame(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeLink) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustMAC(s string) addr.MAC {
	m, ok := addr.ParseMAC(s)
	if !ok {
		panic("bad test MAC: " + s)
	}
	return m
}

func mustIP(s string) addr.IPv4 {
	ip, ok := addr.ParseIPv4(s)
	if !ok {
		panic("bad test IP: " + s)
	}
	return ip
}

func baseCfg() Config {
	return Config{
		LAN:        func() addr.CIDR { c, _ := addr.ParseCIDR("192.168.64.0/24"); return c }(),
		GatewayIP:  mustIP("192.168.64.1"),
		GatewayMAC: mustMAC("02:00:00:00:00:01"),
		DNS:        routerdns.ModePassthrough,
		WAN:        WANModeNAT,
	}
}

func TestHandleGuestFrame_UnknownEther_IncrementsCounter(t *testing.T) {
	r := New(baseCfg())
	r.HandleGuestFrame("guest1", []byte{0x01, 0x02})
	if r.DroppedUnknownEther != 1 {
		t.Errorf("DroppedUnknownEther = %d, want 1", r.DroppedUnknownEther)
	}
}

func TestHandleGuestFrame_ARP_RepliesForGateway(t *testing.T) {
	r := New(baseCfg())
	link := &fakeLink{}
	r.guests["guest1"] = link

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	frame, err := packet.BuildARP(guestMAC, addr.Broadcast, guestIP, r.cfg.GatewayIP, false)
	if err != nil {
		t.Fatalf("BuildARP() = %v", err)
	}

	r.HandleGuestFrame("guest1", frame)

	reply := link.last()
	if reply == nil {
		t.Fatal("no ARP reply sent to guest")
	}
	p := packet.Parse(reply)
	if p.Kind != packet.KindARP {
		t.Fatalf("reply Kind = %v, want KindARP", p.Kind)
	}
	if p.SrcMAC() != r.cfg.GatewayMAC || p.DstMAC() != guestMAC {
		t.Errorf("reply SrcMAC/DstMAC = %v/%v, want %v/%v", p.SrcMAC(), p.DstMAC(), r.cfg.GatewayMAC, guestMAC)
	}
}

func TestHandleGuestFrame_ARP_IgnoresNonGatewayTarget(t *testing.T) {
	r := New(baseCfg())
	link := &fakeLink{}
	r.guests["guest1"] = link

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	otherTarget := mustIP("192.168.64.99")
	frame, _ := packet.BuildARP(guestMAC, addr.Broadcast, guestIP, otherTarget, false)

	r.HandleGuestFrame("guest1", frame)
	if link.count() != 0 {
		t.Error("router replied to an ARP request not targeting the gateway")
	}
}

func udpEgressFrame(guestMAC, dstMAC addr.MAC, guestIP, dstIP addr.IPv4, srcPort, dstPort uint16) []byte {
	frame, err := packet.BuildUDP(packet.IPv4Params{
		SrcMAC: guestMAC, DstMAC: dstMAC, SrcIP: guestIP, DstIP: dstIP,
	}, srcPort, dstPort, []byte("payload"))
	if err != nil {
		panic(err)
	}
	return frame
}

func TestHandleGuestFrame_FirewallBlocksOutbound(t *testing.T) {
	cfg := baseCfg()
	cfg.Firewall = firewall.New(nil, firewall.ActionBlock, nil)
	r := New(cfg)
	upstream := &fakeLink{}
	r.SetUpstream(upstream)

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	frame := udpEgressFrame(guestMAC, cfg.GatewayMAC, guestIP, mustIP("8.8.8.8"), 5000, 12345)

	r.HandleGuestFrame("guest1", frame)

	if r.DroppedFirewall != 1 {
		t.Errorf("DroppedFirewall = %d, want 1", r.DroppedFirewall)
	}
	if upstream.count() != 0 {
		t.Error("a firewall-blocked frame reached upstream")
	}
}

func TestHandleGuestFrame_NATMode_RewritesSourcePort(t *testing.T) {
	r := New(baseCfg())
	upstream := &fakeLink{}
	r.SetUpstream(upstream)

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	frame := udpEgressFrame(guestMAC, r.cfg.GatewayMAC, guestIP, mustIP("8.8.8.8"), 5000, 12345)

	r.HandleGuestFrame("guest1", frame)

	sent := upstream.last()
	if sent == nil {
		t.Fatal("no frame reached upstream")
	}
	p := packet.Parse(sent)
	if p.Kind != packet.KindUDP {
		t.Fatalf("upstream frame Kind = %v, want KindUDP", p.Kind)
	}
	if p.SrcPort() == 5000 {
		t.Error("NAT mode should rewrite the source port, but it was left unchanged")
	}
	entry, ok := r.NATTable().InboundLookup(p.SrcPort())
	if !ok || entry.Tuple.SrcPort != 5000 {
		t.Errorf("NAT table has no inbound mapping for the rewritten port")
	}
}

func TestHandleGuestFrame_IsolatedMode_DropsEgress(t *testing.T) {
	cfg := baseCfg()
	cfg.WAN = WANModeIsolated
	r := New(cfg)
	upstream := &fakeLink{}
	r.SetUpstream(upstream)

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	frame := udpEgressFrame(guestMAC, r.cfg.GatewayMAC, guestIP, mustIP("8.8.8.8"), 5000, 12345)

	r.HandleGuestFrame("guest1", frame)
	if upstream.count() != 0 {
		t.Error("isolated WAN mode should never forward egress traffic")
	}
}

func TestHandleGuestFrame_PassthroughMode_ForwardsUnrewritten(t *testing.T) {
	cfg := baseCfg()
	cfg.WAN = WANModePassthrough
	r := New(cfg)
	upstream := &fakeLink{}
	r.SetUpstream(upstream)

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	frame := udpEgressFrame(guestMAC, r.cfg.GatewayMAC, guestIP, mustIP("8.8.8.8"), 5000, 12345)

	r.HandleGuestFrame("guest1", frame)
	sent := upstream.last()
	if sent == nil {
		t.Fatal("no frame reached upstream")
	}
	p := packet.Parse(sent)
	if p.SrcPort() != 5000 {
		t.Errorf("passthrough mode rewrote the source port to %d, want unchanged 5000", p.SrcPort())
	}
}

func TestHandleGuestFrame_DHCPTraffic_NeverForwardedUpstream(t *testing.T) {
	r := New(baseCfg())
	upstream := &fakeLink{}
	r.SetUpstream(upstream)
	guestLink := &fakeLink{}
	r.guests["guest1"] = guestLink

	guestMAC := mustMAC("02:00:00:00:00:02")
	frame := udpEgressFrame(guestMAC, addr.Broadcast, addr.IPv4{}, addr.IPv4{255, 255, 255, 255}, 68, 67)

	r.HandleGuestFrame("guest1", frame)
	if upstream.count() != 0 {
		t.Error("DHCP traffic (udp 68->67) should never be forwarded upstream")
	}
}

func TestHandleGuestFrame_DNSBlocked_RepliesWithoutForwarding(t *testing.T) {
	cfg := baseCfg()
	cfg.DNS = routerdns.ModeBlocked
	r := New(cfg)
	upstream := &fakeLink{}
	r.SetUpstream(upstream)
	guestLink := &fakeLink{}
	r.guests["guest1"] = guestLink

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	queryBytes, err := query.Pack()
	if err != nil {
		t.Fatalf("Pack() = %v", err)
	}
	frame, err := packet.BuildUDP(packet.IPv4Params{
		SrcMAC: guestMAC, DstMAC: r.cfg.GatewayMAC, SrcIP: guestIP, DstIP: r.cfg.GatewayIP,
	}, 5000, 53, queryBytes)
	if err != nil {
		t.Fatalf("BuildUDP() = %v", err)
	}

	r.HandleGuestFrame("guest1", frame)
	if upstream.count() != 0 {
		t.Error("blocked-mode DNS traffic should never be forwarded upstream")
	}
	if guestLink.count() != 1 {
		t.Errorf("guest received %d replies, want 1 (the NXDOMAIN)", guestLink.count())
	}
}

func TestHandleUpstreamFrame_RewritesDestinationAndDelivers(t *testing.T) {
	r := New(baseCfg())
	upstream := &fakeLink{}
	r.SetUpstream(upstream)
	guestLink := &fakeLink{}
	r.guests["guest1"] = guestLink

	guestMAC := mustMAC("02:00:00:00:00:02")
	guestIP := mustIP("192.168.64.50")
	remoteIP := mustIP("8.8.8.8")

	egress := udpEgressFrame(guestMAC, r.cfg.GatewayMAC, guestIP, remoteIP, 5000, 12345)
	r.HandleGuestFrame("guest1", egress)

	mappedFrame := upstream.last()
	mapped := packet.Parse(mappedFrame)
	mappedPort := mapped.SrcPort()

	// Build the "reply from the internet" frame, addressed to our mapped port.
	inbound, err := packet.BuildUDP(packet.IPv4Params{
		SrcMAC: mustMAC("02:00:00:00:00:09"), DstMAC: r.cfg.GatewayMAC,
		SrcIP: remoteIP, DstIP: r.cfg.GatewayIP,
	}, 12345, mappedPort, []byte("reply"))
	if err != nil {
		t.Fatalf("BuildUDP() = %v", err)
	}

	r.HandleUpstreamFrame(inbound)

	delivered := guestLink.last()
	if delivered == nil {
		t.Fatal("no frame delivered to the guest")
	}
	p := packet.Parse(delivered)
	if p.DstIP() != guestIP || p.DstPort() != 5000 {
		t.Errorf("delivered frame DstIP/DstPort = %v/%d, want %v/5000", p.DstIP(), p.DstPort(), guestIP)
	}
}

func TestHandleUpstreamFrame_UnknownMappedPort_IsDropped(t *testing.T) {
	r := New(baseCfg())
	guestLink := &fakeLink{}
	r.guests["guest1"] = guestLink

	inbound, _ := packet.BuildUDP(packet.IPv4Params{
		SrcMAC: mustMAC("02:00:00:00:00:09"), DstMAC: r.cfg.GatewayMAC,
		SrcIP: mustIP("8.8.8.8"), DstIP: r.cfg.GatewayIP,
	}, 12345, 55555, []byte("reply"))

	r.HandleUpstreamFrame(inbound)
	if guestLink.count() != 0 {
		t.Error("an inbound frame for an unmapped port should never be delivered")
	}
}

func TestStart_InstallsEnabledPortForwardsOnly(t *testing.T) {
	cfg := baseCfg()
	cfg.PortForwards = []PortForward{
		{Protocol: "tcp", ExternalPort: 2222, InternalIP: mustIP("192.168.64.10"), InternalPort: 22, Enabled: true},
		{Protocol: "tcp", ExternalPort: 3333, InternalIP: mustIP("192.168.64.11"), InternalPort: 80, Enabled: false},
	}
	r := New(cfg)
	r.Start(time.Hour)
	defer r.Stop()

	if _, ok := r.NATTable().InboundLookup(2222); !ok {
		t.Error("enabled port-forward 2222 has no inbound NAT mapping after Start()")
	}
	if _, ok := r.NATTable().InboundLookup(3333); ok {
		t.Error("disabled port-forward 3333 should not have an inbound NAT mapping")
	}
}

func TestStart_PortForward_DeliversInboundFrameToInternalEndpoint(t *testing.T) {
	cfg := baseCfg()
	internalIP := mustIP("192.168.64.10")
	cfg.PortForwards = []PortForward{
		{Protocol: "tcp", ExternalPort: 2222, InternalIP: internalIP, InternalPort: 22, Enabled: true},
	}
	r := New(cfg)
	guestLink := &fakeLink{}
	r.guests["guest1"] = guestLink
	r.Start(time.Hour)
	defer r.Stop()

	remoteMAC := mustMAC("02:00:00:00:00:09")
	remoteIP := mustIP("203.0.113.5")
	inbound, err := packet.BuildTCP(packet.IPv4Params{
		SrcMAC: remoteMAC, DstMAC: r.cfg.GatewayMAC,
		SrcIP: remoteIP, DstIP: r.cfg.GatewayIP,
	}, 54321, 2222, 1, 0, packet.TCPFlags{SYN: true}, 65535, nil)
	if err != nil {
		t.Fatalf("BuildTCP() = %v", err)
	}

	r.HandleUpstreamFrame(inbound)

	delivered := guestLink.last()
	if delivered == nil {
		t.Fatal("no frame delivered to the internal endpoint for the forwarded port")
	}
	p := packet.Parse(delivered)
	if p.DstIP() != internalIP || p.DstPort() != 22 {
		t.Errorf("delivered frame DstIP/DstPort = %v/%d, want %v/22", p.DstIP(), p.DstPort(), internalIP)
	}
}
