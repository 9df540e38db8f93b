// Package addr provides MAC, IPv4, and CIDR primitives for the router's
// data plane. Construction is total — invalid textual input returns false
// rather than panicking, matching the packet codec's in-band error style.
package addr

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Broadcast is the all-ones MAC address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the all-zeros MAC address.
var Zero = MAC{}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Bytes returns a fresh copy of the underlying 6 bytes.
func (m MAC) Bytes() []byte {
	b := make([]byte, 6)
	copy(b, m[:])
	return b
}

// IsBroadcast reports whether m is the all-ones address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsMulticast reports whether the low bit of the first octet is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// Equal reports byte-wise equality.
func (m MAC) Equal(o MAC) bool { return m == o }

// ParseMAC parses a colon- or hyphen-separated MAC string. Returns false on
// malformed input instead of an error, matching the codec's in-band style.
func ParseMAC(s string) (MAC, bool) {
	var m MAC
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 6 {
		return m, false
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return m, false
		}
		m[i] = byte(v)
	}
	return m, true
}

// NewLocallyAdministered generates a random MAC with the U/L (locally
// administered) bit set and the multicast bit cleared, as spec.md §3
// requires for auto-generated bundle MAC addresses.
func NewLocallyAdministered() (MAC, error) {
	var m MAC
	if _, err := rand.Read(m[:]); err != nil {
		return m, err
	}
	m[0] |= 0x02 // set locally-administered bit
	m[0] &^= 0x01 // clear multicast bit
	return m, nil
}
