package addr

import (
	"fmt"
	"net"

	gocidr "github.com/apparentlymart/go-cidr/cidr"
)

// CIDR is an IPv4 network expressed as network address + prefix length.
// Construction masks the provided address down to the prefix, so two CIDR
// values built from different host bits but the same prefix compare equal.
type CIDR struct {
	Network IPv4
	Prefix  int // 0-32
}

func (c CIDR) String() string {
	return fmt.Sprintf("%s/%d", c.Network, c.Prefix)
}

// NewCIDR masks ip to prefix bits and returns the resulting CIDR.
func NewCIDR(ip IPv4, prefix int) (CIDR, bool) {
	if prefix < 0 || prefix > 32 {
		return CIDR{}, false
	}
	mask := subnetMaskUint32(prefix)
	return CIDR{Network: IPv4FromUint32(ip.Uint32() & mask), Prefix: prefix}, true
}

// ParseCIDR parses "a.b.c.d/n" textual notation.
func ParseCIDR(s string) (CIDR, bool) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil || ipnet.IP.To4() == nil {
		return CIDR{}, false
	}
	ones, _ := ipnet.Mask.Size()
	var ip IPv4
	copy(ip[:], ipnet.IP.To4())
	return CIDR{Network: ip, Prefix: ones}, true
}

func subnetMaskUint32(prefix int) uint32 {
	if prefix <= 0 {
		return 0
	}
	if prefix >= 32 {
		return 0xffffffff
	}
	return ^uint32(0) << uint(32-prefix)
}

// SubnetMask returns the dotted-quad subnet mask for this prefix.
func (c CIDR) SubnetMask() IPv4 {
	return IPv4FromUint32(subnetMaskUint32(c.Prefix))
}

// Contains reports whether ip's network-masked prefix matches c's.
func (c CIDR) Contains(ip IPv4) bool {
	mask := subnetMaskUint32(c.Prefix)
	return ip.Uint32()&mask == c.Network.Uint32()&mask
}

// ipNet converts c to a *net.IPNet for use with go-cidr's range helpers.
func (c CIDR) ipNet() *net.IPNet {
	return &net.IPNet{
		IP:   net.IPv4(c.Network[0], c.Network[1], c.Network[2], c.Network[3]).To4(),
		Mask: net.CIDRMask(c.Prefix, 32),
	}
}

// FirstHost, LastHost, and BroadcastAddress special-case /31 and /32: per
// spec.md §4.2, those prefixes leave no host bits, so firstHost == lastHost
// == network (there's no distinct broadcast).
func (c CIDR) FirstHost() IPv4 {
	if c.Prefix >= 31 {
		return c.Network
	}
	first, _ := gocidr.AddressRange(c.ipNet())
	var ip IPv4
	copy(ip[:], first.To4())
	return ip.AdvancedBy(1)
}

func (c CIDR) LastHost() IPv4 {
	if c.Prefix >= 31 {
		return c.Network
	}
	_, last := gocidr.AddressRange(c.ipNet())
	var ip IPv4
	copy(ip[:], last.To4())
	return ip.AdvancedBy(-1)
}

func (c CIDR) BroadcastAddress() IPv4 {
	if c.Prefix >= 31 {
		return c.Network
	}
	_, last := gocidr.AddressRange(c.ipNet())
	var ip IPv4
	copy(ip[:], last.To4())
	return ip
}

// Iterate calls fn for every host address in the CIDR (FirstHost..LastHost
// inclusive), stopping early if fn returns false.
func (c CIDR) Iterate(fn func(IPv4) bool) {
	cur := c.FirstHost()
	last := c.LastHost()
	for {
		if !fn(cur) {
			return
		}
		if cur == last {
			return
		}
		cur = cur.AdvancedBy(1)
	}
}
