// Package firewall implements the router's stateless rule matcher:
// ordered L2/L3 rules, alias resolution, and a default policy. Grounded in
// shape on the ordered-rule / first-match-wins / enabled-flag conventions
// of the retrieved nftables-script-builder and nftables-manager firewall
// packages, reimplemented here as a direct in-process matcher (no nftables
// dependency — spec.md's router operates on a userspace frame stream, not
// the kernel netfilter hooks those tools target).
package firewall

import (
	"github.com/ghostvm/ghostvm/internal/netstack/addr"
)

// Layer discriminates an L2 rule from an L3 rule.
type Layer string

const (
	LayerL2 Layer = "l2"
	LayerL3 Layer = "l3"
)

// Direction is the traffic direction a rule applies to.
type Direction string

const (
	DirInbound  Direction = "inbound"
	DirOutbound Direction = "outbound"
	DirBoth     Direction = "both"
)

// Zone is the network side a rule applies to.
type Zone string

const (
	ZoneWAN Zone = "wan"
	ZoneLAN Zone = "lan"
	ZoneAny Zone = "any"
)

// Action is the verdict a matching rule produces.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionRedirect Action = "redirect"
)

// Protocol is the L3 protocol predicate.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
	ProtoAny  Protocol = "any"
)

// Rule is a single ordered firewall rule. Exactly one of the L2 or L3
// field groups is meaningful, gated by Layer.
type Rule struct {
	Enabled   bool
	Layer     Layer
	Direction Direction
	Zone      Zone
	Action    Action
	Comment   string

	// L2 fields
	SrcMAC      *addr.MAC
	DstMAC      *addr.MAC
	EtherType   uint16 // 0 means "any"
	IsBroadcast bool   // if true, matches only broadcast frames

	// L3 fields. SrcCIDR/DstCIDR may instead be an alias name — see
	// SrcAlias/DstAlias. SrcPort/DstPort of 0 means "any port", unless
	// overridden by a port alias via SrcPortAlias/DstPortAlias (an
	// AliasPorts alias matches if the packet's port is any one of the
	// alias's ports).
	SrcCIDR      *addr.CIDR
	DstCIDR      *addr.CIDR
	SrcAlias     string
	DstAlias     string
	Protocol     Protocol
	SrcPort      uint16
	DstPort      uint16
	SrcPortAlias string
	DstPortAlias string
}

// AliasType discriminates what an Alias's entries resolve to.
type AliasType string

const (
	AliasHosts    AliasType = "hosts"
	AliasNetworks AliasType = "networks"
	AliasPorts    AliasType = "ports"
)

// Alias is a named collection referenced by CIDR or port fields in rules.
type Alias struct {
	Name    string
	Type    AliasType
	Hosts   []addr.IPv4 // AliasHosts
	Nets    []addr.CIDR // AliasNetworks
	Ports   []uint16    // AliasPorts
}

func (a Alias) containsIP(ip addr.IPv4) bool {
	switch a.Type {
	case AliasHosts:
		for _, h := range a.Hosts {
			if h.Equal(ip) {
				return true
			}
		}
	case AliasNetworks:
		for _, n := range a.Nets {
			if n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (a Alias) containsPort(port uint16) bool {
	if a.Type != AliasPorts {
		return false
	}
	for _, p := range a.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// Packet is the subset of a parsed frame the matcher needs. Callers build
// one from packet.Parsed; kept decoupled so firewall has no dependency on
// the codec package.
type Packet struct {
	Layer Layer

	// L2
	SrcMAC, DstMAC addr.MAC
	EtherType      uint16
	IsBroadcast    bool

	// L3
	SrcIP, DstIP addr.IPv4
	Protocol     Protocol
	SrcPort      uint16
	DstPort      uint16
	Zone         Zone
}

// Engine evaluates an ordered rule list against packets.
type Engine struct {
	Rules         []Rule
	DefaultPolicy Action
	Aliases       map[string]Alias
}

// New constructs an Engine. Unknown "redirect" targets are the caller's
// concern at config-load time (spec.md §9): this constructor accepts any
// rule list as given and treats redirect as allow at evaluation time,
// since spec.md §4.7.3 reserves it and says the router should treat it as
// allow unless a concrete target is present — which this data model does
// not carry, so it is always the allow case here.
func New(rules []Rule, defaultPolicy Action, aliases map[string]Alias) *Engine {
	if aliases == nil {
		aliases = map[string]Alias{}
	}
	return &Engine{Rules: rules, DefaultPolicy: defaultPolicy, Aliases: aliases}
}

// Evaluate returns the action for pkt traveling in direction dir. First
// enabled matching rule wins; a disabled rule is never examined, so
// removing all disabled rules from the list never changes the result.
func (e *Engine) Evaluate(pkt Packet, dir Direction) Action {
	for _, r := range e.Rules {
		if !r.Enabled {
			continue
		}
		if !e.layerMatches(r, pkt) {
			continue
		}
		if !directionMatches(r.Direction, dir) {
			continue
		}
		if !zoneMatches(r.Zone, pkt.Zone) {
			continue
		}
		if !e.fieldsMatch(r, pkt) {
			continue
		}
		if r.Action == ActionRedirect {
			return ActionAllow
		}
		return r.Action
	}
	return e.DefaultPolicy
}

func (e *Engine) layerMatches(r Rule, pkt Packet) bool {
	return r.Layer == pkt.Layer
}

func directionMatches(ruleDir, pktDir Direction) bool {
	if ruleDir == DirBoth {
		return true
	}
	return ruleDir == pktDir
}

func zoneMatches(ruleZone, pktZone Zone) bool {
	if ruleZone == ZoneAny {
		return true
	}
	return ruleZone == pktZone
}

func (e *Engine) fieldsMatch(r Rule, pkt Packet) bool {
	if r.Layer == LayerL2 {
		return e.l2Matches(r, pkt)
	}
	return e.l3Matches(r, pkt)
}

func (e *Engine) l2Matches(r Rule, pkt Packet) bool {
	if r.IsBroadcast && !pkt.IsBroadcast {
		return false
	}
	if r.SrcMAC != nil && !r.SrcMAC.Equal(pkt.SrcMAC) {
		return false
	}
	if r.DstMAC != nil && !r.DstMAC.Equal(pkt.DstMAC) {
		return false
	}
	if r.EtherType != 0 && r.EtherType != pkt.EtherType {
		return false
	}
	return true
}

func (e *Engine) l3Matches(r Rule, pkt Packet) bool {
	if r.Protocol != "" && r.Protocol != ProtoAny && r.Protocol != pkt.Protocol {
		return false
	}
	if !e.cidrFieldMatches(r.SrcCIDR, r.SrcAlias, pkt.SrcIP) {
		return false
	}
	if !e.cidrFieldMatches(r.DstCIDR, r.DstAlias, pkt.DstIP) {
		return false
	}
	if !e.portFieldMatches(r.SrcPort, r.SrcPortAlias, pkt.SrcPort) {
		return false
	}
	if !e.portFieldMatches(r.DstPort, r.DstPortAlias, pkt.DstPort) {
		return false
	}
	return true
}

func (e *Engine) cidrFieldMatches(cidr *addr.CIDR, alias string, ip addr.IPv4) bool {
	if alias != "" {
		a, ok := e.Aliases[alias]
		if !ok {
			return false
		}
		return a.containsIP(ip)
	}
	if cidr == nil {
		return true // unset means "any"
	}
	return cidr.Contains(ip)
}

func (e *Engine) portFieldMatches(want uint16, alias string, got uint16) bool {
	if alias != "" {
		a, ok := e.Aliases[alias]
		if !ok {
			return false
		}
		return a.containsPort(got)
	}
	if want == 0 {
		return true // unset means "any"
	}
	return want == got
}
