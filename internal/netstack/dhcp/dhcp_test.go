package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
)

func mustIP(s string) addr.IPv4 {
	ip, ok := addr.ParseIPv4(s)
	if !ok {
		panic("bad test IP: " + s)
	}
	return ip
}

func baseConfig() Config {
	return Config{
		PoolStart:  mustIP("192.168.64.10"),
		PoolEnd:    mustIP("192.168.64.20"),
		Gateway:    mustIP("192.168.64.1"),
		SubnetMask: mustIP("255.255.255.0"),
		DNSServers: []addr.IPv4{mustIP("192.168.64.1")},
		ServerID:   mustIP("192.168.64.1"),
	}
}

func testHWAddr() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

func TestHandleDiscover_OffersFromPool(t *testing.T) {
	s := New(baseConfig())
	discover, err := dhcpv4.NewDiscovery(testHWAddr())
	if err != nil {
		t.Fatalf("NewDiscovery() = %v", err)
	}

	replyBytes := s.HandleDiscover(discover)
	if replyBytes == nil {
		t.Fatal("HandleDiscover() returned nil, want an offer")
	}
	reply, err := dhcpv4.FromBytes(replyBytes)
	if err != nil {
		t.Fatalf("FromBytes() = %v", err)
	}
	if reply.MessageType() != dhcpv4.MessageTypeOffer {
		t.Errorf("MessageType() = %v, want Offer", reply.MessageType())
	}
	var yi addr.IPv4
	copy(yi[:], reply.YourIPAddr.To4())
	if yi != mustIP("192.168.64.10") {
		t.Errorf("offered IP = %v, want the pool start %v", yi, mustIP("192.168.64.10"))
	}
}

func TestHandleDiscover_PoolExhausted_ReturnsNil(t *testing.T) {
	cfg := baseConfig()
	cfg.PoolStart = mustIP("192.168.64.10")
	cfg.PoolEnd = mustIP("192.168.64.10") // exactly one address
	s := New(cfg)

	// First client takes the only address.
	d1, _ := dhcpv4.NewDiscovery(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01})
	if s.HandleDiscover(d1) == nil {
		t.Fatal("first HandleDiscover() unexpectedly returned nil")
	}

	// Second, distinct client has nothing left.
	d2, _ := dhcpv4.NewDiscovery(net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02})
	if got := s.HandleDiscover(d2); got != nil {
		t.Error("HandleDiscover() should stay silent when the pool is exhausted")
	}
}

func TestHandleDiscover_StaticLease_OffersFixedIP(t *testing.T) {
	cfg := baseConfig()
	mac := addr.MAC{0x02, 0, 0, 0, 0, 0x09}
	cfg.StaticLeases = []StaticLease{{MAC: mac, IP: mustIP("192.168.64.99"), Hostname: "printer"}}
	s := New(cfg)

	discover, _ := dhcpv4.NewDiscovery(net.HardwareAddr(mac.Bytes()))
	replyBytes := s.HandleDiscover(discover)
	if replyBytes == nil {
		t.Fatal("HandleDiscover() returned nil for a statically-leased MAC")
	}
	reply, _ := dhcpv4.FromBytes(replyBytes)
	var yi addr.IPv4
	copy(yi[:], reply.YourIPAddr.To4())
	if yi != mustIP("192.168.64.99") {
		t.Errorf("offered IP = %v, want the static lease IP 192.168.64.99", yi)
	}
}

func TestDiscoverThenRequest_CommitsLease(t *testing.T) {
	s := New(baseConfig())
	hw := testHWAddr()

	discover, _ := dhcpv4.NewDiscovery(hw)
	offerBytes := s.HandleDiscover(discover)
	offer, err := dhcpv4.FromBytes(offerBytes)
	if err != nil {
		t.Fatalf("FromBytes(offer) = %v", err)
	}

	request, err := dhcpv4.NewRequestFromOffer(offer)
	if err != nil {
		t.Fatalf("NewRequestFromOffer() = %v", err)
	}

	ackBytes := s.HandleRequest(request)
	if ackBytes == nil {
		t.Fatal("HandleRequest() returned nil, want an ack")
	}
	ack, err := dhcpv4.FromBytes(ackBytes)
	if err != nil {
		t.Fatalf("FromBytes(ack) = %v", err)
	}
	if ack.MessageType() != dhcpv4.MessageTypeAck {
		t.Errorf("MessageType() = %v, want Ack", ack.MessageType())
	}

	leases := s.Leases()
	if len(leases) != 1 {
		t.Fatalf("Leases() = %v, want exactly 1 committed lease", leases)
	}
	if leases[0].MAC != hwAddrToMAC(hw) {
		t.Errorf("committed lease MAC = %v, want %v", leases[0].MAC, hwAddrToMAC(hw))
	}
}

func TestHandleRequest_MismatchedIP_ReturnsNak(t *testing.T) {
	s := New(baseConfig())
	hw := testHWAddr()
	discover, _ := dhcpv4.NewDiscovery(hw)
	s.HandleDiscover(discover)

	// A REQUEST asking for an IP that was never offered to this MAC.
	request, _ := dhcpv4.NewDiscovery(hw, dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IP(mustIP("192.168.64.200").Bytes()))))

	nakBytes := s.HandleRequest(request)
	if nakBytes == nil {
		t.Fatal("HandleRequest() returned nil, want a nak")
	}
	nak, err := dhcpv4.FromBytes(nakBytes)
	if err != nil {
		t.Fatalf("FromBytes(nak) = %v", err)
	}
	if nak.MessageType() != dhcpv4.MessageTypeNak {
		t.Errorf("MessageType() = %v, want Nak", nak.MessageType())
	}
}

func TestSeedLease_RestoresLeaseWithoutReuse(t *testing.T) {
	s := New(baseConfig())
	mac := addr.MAC{0x02, 0, 0, 0, 0, 0x05}
	s.SeedLease(Lease{MAC: mac, IP: mustIP("192.168.64.10"), LeaseStart: time.Now(), LeaseDuration: time.Hour})

	// A different MAC discovering should not be offered the seeded address.
	other := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x06}
	discover, _ := dhcpv4.NewDiscovery(other)
	replyBytes := s.HandleDiscover(discover)
	reply, _ := dhcpv4.FromBytes(replyBytes)
	var yi addr.IPv4
	copy(yi[:], reply.YourIPAddr.To4())
	if yi == mustIP("192.168.64.10") {
		t.Error("HandleDiscover() reassigned a seeded lease's address to a different MAC")
	}
}

func TestLeases_ExcludesMereOffers(t *testing.T) {
	s := New(baseConfig())
	discover, _ := dhcpv4.NewDiscovery(testHWAddr())
	s.HandleDiscover(discover)

	if leases := s.Leases(); len(leases) != 0 {
		t.Errorf("Leases() = %v, want empty until a REQUEST commits", leases)
	}
}

func TestDispatch_RoutesDiscoverAndRequest(t *testing.T) {
	s := New(baseConfig())
	discover, _ := dhcpv4.NewDiscovery(testHWAddr())

	if got := s.Dispatch(discover.ToBytes()); got == nil {
		t.Error("Dispatch() of a DISCOVER returned nil")
	}
}

func TestDispatch_MalformedInput_ReturnsNil(t *testing.T) {
	s := New(baseConfig())
	if got := s.Dispatch([]byte{0x01, 0x02}); got != nil {
		t.Error("Dispatch() of malformed input should return nil")
	}
}
