package addr

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// IPv4 is a 4-byte IPv4 address, stored and compared as a big-endian uint32
// so ordering and ParseIPv4.AdvancedBy are cheap integer operations.
type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// ParseIPv4 parses a dotted-quad string. Returns false on malformed input.
func ParseIPv4(s string) (IPv4, bool) {
	var ip IPv4
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ip, false
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return ip, false
		}
		ip[i] = byte(v)
	}
	return ip, true
}

// Uint32 returns the big-endian uint32 representation.
func (ip IPv4) Uint32() uint32 {
	return binary.BigEndian.Uint32(ip[:])
}

// IPv4FromUint32 constructs an IPv4 from a big-endian uint32.
func IPv4FromUint32(v uint32) IPv4 {
	var ip IPv4
	binary.BigEndian.PutUint32(ip[:], v)
	return ip
}

// AdvancedBy returns ip shifted by n (may be negative), wrapping modulo
// 2^32 the way 32-bit unsigned arithmetic naturally does.
func (ip IPv4) AdvancedBy(n int32) IPv4 {
	return IPv4FromUint32(ip.Uint32() + uint32(n))
}

// Less reports whether ip sorts before o under unsigned integer ordering.
func (ip IPv4) Less(o IPv4) bool { return ip.Uint32() < o.Uint32() }

// Equal reports byte-wise equality.
func (ip IPv4) Equal(o IPv4) bool { return ip == o }

// Bytes returns a fresh copy of the 4 bytes.
func (ip IPv4) Bytes() []byte {
	b := make([]byte, 4)
	copy(b, ip[:])
	return b
}
