// Package dns implements the router's DNS mode selector: passthrough,
// custom forwarding, or block-all. Built on github.com/miekg/dns (already
// pulled transitively via gvisor-tap-vsock in the teacher's dependency
// graph; promoted here to a direct, exercised dependency) for message
// parsing and NXDOMAIN/forwarded-reply construction.
package dns

import (
	"github.com/miekg/dns"
)

// Mode discriminates the three DNS handling modes spec.md §4.7.5 defines.
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeCustom      Mode = "custom"
	ModeBlocked     Mode = "blocked"
)

// Forwarder resolves or blocks DNS queries according to Mode. In
// ModePassthrough the router never calls Handle — traffic flows through
// NAT unchanged.
type Forwarder struct {
	Mode    Mode
	Servers []string // "ip:port"; only meaningful in ModeCustom

	// exchange is overridable for tests; defaults to dns.Client.Exchange.
	exchange func(m *dns.Msg, addr string) (*dns.Msg, error)
}

// New constructs a Forwarder for mode with upstream servers (ignored
// outside ModeCustom).
func New(mode Mode, servers []string) *Forwarder {
	c := &dns.Client{}
	return &Forwarder{
		Mode:    mode,
		Servers: servers,
		exchange: func(m *dns.Msg, addr string) (*dns.Msg, error) {
			r, _, err := c.Exchange(m, addr)
			return r, err
		},
	}
}

// Handle processes a raw DNS query and returns the raw reply bytes, or nil
// if no reply should be sent (truncated input per spec.md §4.7.5: anything
// shorter than a 12-byte DNS header never even parses).
func (f *Forwarder) Handle(query []byte) []byte {
	if len(query) < 12 {
		return nil
	}

	var m dns.Msg
	if err := m.Unpack(query); err != nil {
		return nil
	}

	switch f.Mode {
	case ModeBlocked:
		return f.nxdomain(&m)
	case ModeCustom:
		return f.forward(&m)
	default: // ModePassthrough: never reached via the router dispatch path
		return nil
	}
}

func (f *Forwarder) forward(m *dns.Msg) []byte {
	if len(f.Servers) == 0 {
		return f.nxdomain(m)
	}
	reply, err := f.exchange(m, f.Servers[0])
	if err != nil || reply == nil {
		return f.nxdomain(m)
	}
	reply.Id = m.Id
	out, err := reply.Pack()
	if err != nil {
		return nil
	}
	return out
}

// nxdomain builds an NXDOMAIN (RCODE 3) reply echoing the query's
// transaction ID, with QR=1 (response) set.
func (f *Forwarder) nxdomain(m *dns.Msg) []byte {
	reply := new(dns.Msg)
	reply.SetRcode(m, dns.RcodeNameError)
	out, err := reply.Pack()
	if err != nil {
		return nil
	}
	return out
}
