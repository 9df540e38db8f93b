package addr

import "testing"

func TestParseIPv4(t *testing.T) {
	ip, ok := ParseIPv4("192.168.64.1")
	if !ok {
		t.Fatal("ParseIPv4() failed on valid input")
	}
	if ip.String() != "192.168.64.1" {
		t.Errorf("String() = %q", ip.String())
	}

	if _, ok := ParseIPv4("256.0.0.1"); ok {
		t.Error("ParseIPv4() accepted an out-of-range octet")
	}
	if _, ok := ParseIPv4("1.2.3"); ok {
		t.Error("ParseIPv4() accepted too few octets")
	}
	if _, ok := ParseIPv4("not.an.ip.addr"); ok {
		t.Error("ParseIPv4() accepted non-numeric octets")
	}
}

func TestIPv4_AdvancedBy(t *testing.T) {
	ip, _ := ParseIPv4("10.0.0.1")
	if got := ip.AdvancedBy(9).String(); got != "10.0.0.10" {
		t.Errorf("AdvancedBy(9) = %q", got)
	}
	if got := ip.AdvancedBy(-1).String(); got != "10.0.0.0" {
		t.Errorf("AdvancedBy(-1) = %q", got)
	}
}

func TestIPv4_Less(t *testing.T) {
	a, _ := ParseIPv4("10.0.0.1")
	b, _ := ParseIPv4("10.0.0.2")
	if !a.Less(b) || b.Less(a) {
		t.Errorf("Less() ordering wrong for %v, %v", a, b)
	}
}

func TestParseCIDR(t *testing.T) {
	c, ok := ParseCIDR("192.168.64.0/24")
	if !ok {
		t.Fatal("ParseCIDR() failed on valid input")
	}
	if c.Prefix != 24 || c.String() != "192.168.64.0/24" {
		t.Errorf("CIDR = %+v", c)
	}

	if _, ok := ParseCIDR("not-a-cidr"); ok {
		t.Error("ParseCIDR() accepted malformed input")
	}
}

func TestParseCIDR_MasksHostBits(t *testing.T) {
	c, ok := ParseCIDR("192.168.64.55/24")
	if !ok {
		t.Fatal("ParseCIDR() failed")
	}
	if c.Network.String() != "192.168.64.0" {
		t.Errorf("Network = %q, want the prefix-masked address", c.Network.String())
	}
}

func TestCIDR_Contains(t *testing.T) {
	c, _ := ParseCIDR("192.168.64.0/24")
	inside, _ := ParseIPv4("192.168.64.200")
	outside, _ := ParseIPv4("192.168.65.1")
	if !c.Contains(inside) {
		t.Error("Contains() false for an in-subnet address")
	}
	if c.Contains(outside) {
		t.Error("Contains() true for an out-of-subnet address")
	}
}

func TestCIDR_FirstLastHost(t *testing.T) {
	c, _ := ParseCIDR("192.168.64.0/24")
	if got := c.FirstHost().String(); got != "192.168.64.1" {
		t.Errorf("FirstHost() = %q, want 192.168.64.1", got)
	}
	if got := c.LastHost().String(); got != "192.168.64.254" {
		t.Errorf("LastHost() = %q, want 192.168.64.254", got)
	}
	if got := c.BroadcastAddress().String(); got != "192.168.64.255" {
		t.Errorf("BroadcastAddress() = %q, want 192.168.64.255", got)
	}
}

func TestCIDR_SlashThirtyOne_NoDistinctHosts(t *testing.T) {
	c, _ := ParseCIDR("192.168.64.0/31")
	if c.FirstHost() != c.Network || c.LastHost() != c.Network {
		t.Errorf("/31 FirstHost/LastHost should both equal the network address, got %v/%v", c.FirstHost(), c.LastHost())
	}
}

func TestCIDR_Iterate_CoversFirstToLast(t *testing.T) {
	c, _ := ParseCIDR("192.168.64.0/29") // 6 usable hosts: .1-.6
	var count int
	c.Iterate(func(ip IPv4) bool {
		count++
		return true
	})
	if count != 6 {
		t.Errorf("Iterate() visited %d hosts, want 6", count)
	}
}

func TestCIDR_Iterate_StopsEarly(t *testing.T) {
	c, _ := ParseCIDR("192.168.64.0/29")
	var count int
	c.Iterate(func(ip IPv4) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Iterate() visited %d hosts after early stop, want 2", count)
	}
}

func TestParseMAC_ColonAndHyphen(t *testing.T) {
	m1, ok := ParseMAC("aa:bb:cc:dd:ee:ff")
	if !ok {
		t.Fatal("ParseMAC() failed on colon-separated input")
	}
	m2, ok := ParseMAC("aa-bb-cc-dd-ee-ff")
	if !ok {
		t.Fatal("ParseMAC() failed on hyphen-separated input")
	}
	if m1 != m2 {
		t.Errorf("colon and hyphen forms parsed differently: %v vs %v", m1, m2)
	}
	if m1.String() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("String() = %q", m1.String())
	}
}

func TestParseMAC_Invalid(t *testing.T) {
	if _, ok := ParseMAC("not-a-mac"); ok {
		t.Error("ParseMAC() accepted malformed input")
	}
	if _, ok := ParseMAC("aa:bb:cc"); ok {
		t.Error("ParseMAC() accepted too few octets")
	}
}

func TestMAC_IsBroadcastIsMulticast(t *testing.T) {
	if !Broadcast.IsBroadcast() {
		t.Error("Broadcast.IsBroadcast() false")
	}
	if Zero.IsBroadcast() {
		t.Error("Zero.IsBroadcast() true")
	}
	multicast := MAC{0x01, 0, 0, 0, 0, 0}
	if !multicast.IsMulticast() {
		t.Error("IsMulticast() false for a multicast address")
	}
	unicast := MAC{0x02, 0, 0, 0, 0, 0}
	if unicast.IsMulticast() {
		t.Error("IsMulticast() true for a unicast address")
	}
}

func TestNewLocallyAdministered(t *testing.T) {
	m, err := NewLocallyAdministered()
	if err != nil {
		t.Fatalf("NewLocallyAdministered() = %v", err)
	}
	if m[0]&0x02 == 0 {
		t.Error("locally-administered bit not set")
	}
	if m[0]&0x01 != 0 {
		t.Error("multicast bit not cleared")
	}
}
