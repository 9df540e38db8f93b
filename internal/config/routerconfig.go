package config

import (
	"encoding/json"
	"fmt"

	"dario.cat/mergo"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	"github.com/ghostvm/ghostvm/internal/netstack/firewall"
)

// WANMode mirrors router.WANMode without importing the router package
// (config must stay a leaf dependency other packages can import).
type WANMode string

const (
	WANModeNAT         WANMode = "nat"
	WANModePassthrough WANMode = "passthrough"
	WANModeIsolated    WANMode = "isolated"
)

// StaticLeaseConfig is the on-disk shape of a DHCP static lease entry.
type StaticLeaseConfig struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

// AliasConfig is the on-disk shape of a firewall alias.
type AliasConfig struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Hosts []string `json:"hosts,omitempty"`
	Nets  []string `json:"nets,omitempty"`
	Ports []uint16 `json:"ports,omitempty"`
}

// RuleConfig is the on-disk shape of a firewall rule.
type RuleConfig struct {
	Enabled   bool   `json:"enabled"`
	Layer     string `json:"layer"`
	Direction string `json:"direction"`
	Zone      string `json:"zone"`
	Action    string `json:"action"`
	Comment   string `json:"comment,omitempty"`

	SrcMAC      string `json:"srcMac,omitempty"`
	DstMAC      string `json:"dstMac,omitempty"`
	EtherType   uint16 `json:"etherType,omitempty"`
	IsBroadcast bool   `json:"isBroadcast,omitempty"`

	SrcCIDR      string `json:"srcCidr,omitempty"`
	DstCIDR      string `json:"dstCidr,omitempty"`
	SrcAlias     string `json:"srcAlias,omitempty"`
	DstAlias     string `json:"dstAlias,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	SrcPort      uint16 `json:"srcPort,omitempty"`
	DstPort      uint16 `json:"dstPort,omitempty"`
	SrcPortAlias string `json:"srcPortAlias,omitempty"`
	DstPortAlias string `json:"dstPortAlias,omitempty"`
}

// RouterPortForward is the on-disk shape of a LAN-level inbound NAT rule.
// Distinct from the bundle-level PortForward (storedconfig.go), which
// assumes exactly one guest and so carries no protocol or destination IP:
// a router's LAN can host several guests, and an inbound rule must say
// which one it targets.
type RouterPortForward struct {
	Protocol     string `json:"protocol"`
	ExternalPort uint16 `json:"externalPort"`
	InternalIP   string `json:"internalIP"`
	InternalPort uint16 `json:"internalPort"`
	Enabled      bool   `json:"enabled"`
}

// RouterConfig is the nested on-disk shape. A legacy flat representation
// (see LegacyRouterConfig below) is accepted on read and rewritten in this
// shape on next save, per spec.md §3.
type RouterConfig struct {
	LAN       string `json:"lan"`
	Gateway   string `json:"gateway"`
	PoolStart string `json:"poolStart"`
	PoolEnd   string `json:"poolEnd"`

	StaticLeases []StaticLeaseConfig `json:"staticLeases"`

	DNSMode    string   `json:"dnsMode"`
	DNSServers []string `json:"dnsServers"`

	WAN              WANMode `json:"wan"`
	UpstreamIface    string  `json:"upstreamInterface,omitempty"`

	FirewallDefaultPolicy string       `json:"firewallDefaultPolicy"`
	FirewallRules         []RuleConfig `json:"firewallRules"`
	Aliases               []AliasConfig `json:"aliases"`

	PortForwards []RouterPortForward `json:"portForwards"`
}

// LegacyRouterConfig is the old flat representation some on-disk configs
// still carry. Only the fields that actually existed in the flat form are
// modeled; everything else defaults on migration.
type LegacyRouterConfig struct {
	Subnet       string              `json:"subnet"`
	GatewayIP    string              `json:"gatewayIP"`
	DHCPStart    string              `json:"dhcpStart"`
	DHCPEnd      string              `json:"dhcpEnd"`
	StaticLeases []StaticLeaseConfig `json:"staticLeases"`
	DNSMode      string              `json:"dnsMode"`
	DNSServers   []string            `json:"dnsServers"`
	NAT          bool                `json:"nat"`
}

// isLegacyShape sniffs raw JSON for the flat form's telltale "subnet" key,
// absent from the nested shape (which uses "lan").
func isLegacyShape(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasSubnet := probe["subnet"]
	_, hasLAN := probe["lan"]
	return hasSubnet && !hasLAN
}

// LoadRouterConfig parses raw into a RouterConfig, migrating the legacy
// flat shape via dario.cat/mergo if detected. Returns (cfg, migrated).
func LoadRouterConfig(raw []byte) (*RouterConfig, bool, error) {
	if !isLegacyShape(raw) {
		var cfg RouterConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, false, fmt.Errorf("parse router config: %w", err)
		}
		return &cfg, false, nil
	}

	var legacy LegacyRouterConfig
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, fmt.Errorf("parse legacy router config: %w", err)
	}

	wan := WANModeIsolated
	if legacy.NAT {
		wan = WANModeNAT
	}
	migrated := &RouterConfig{
		LAN:                   legacy.Subnet,
		Gateway:               legacy.GatewayIP,
		PoolStart:             legacy.DHCPStart,
		PoolEnd:               legacy.DHCPEnd,
		StaticLeases:          legacy.StaticLeases,
		DNSMode:               legacy.DNSMode,
		DNSServers:            legacy.DNSServers,
		WAN:                   wan,
		FirewallDefaultPolicy: "allow",
	}

	// mergo fills any zero-valued field of migrated from a set of
	// reasonable defaults, the same pattern the teacher's config layer
	// would use to backfill a config struct grown since the file was
	// written.
	defaults := &RouterConfig{
		StaticLeases:  []StaticLeaseConfig{},
		DNSServers:    []string{},
		FirewallRules: []RuleConfig{},
		Aliases:       []AliasConfig{},
		PortForwards:  []RouterPortForward{},
	}
	if err := mergo.Merge(migrated, defaults); err != nil {
		return nil, false, fmt.Errorf("merge router config defaults: %w", err)
	}

	return migrated, true, nil
}

// ResolveFirewall builds a firewall.Engine from the on-disk rule/alias
// configuration. Unparseable CIDRs/MACs on a rule are treated as "no
// constraint on that field" rather than a load error, mirroring the
// codec's total-parse philosophy; alias entries that fail to parse are
// dropped (the alias itself is kept with its remaining entries), with an
// error collected for the caller to log.
func (rc *RouterConfig) ResolveFirewall() (*firewall.Engine, []error) {
	var errs []error
	aliases := make(map[string]firewall.Alias, len(rc.Aliases))
	for _, a := range rc.Aliases {
		alias := firewall.Alias{Name: a.Name, Type: firewall.AliasType(a.Type)}
		switch alias.Type {
		case firewall.AliasHosts:
			for _, h := range a.Hosts {
				if ip, ok := addr.ParseIPv4(h); ok {
					alias.Hosts = append(alias.Hosts, ip)
				} else {
					errs = append(errs, fmt.Errorf("alias %s: invalid host %q", a.Name, h))
				}
			}
		case firewall.AliasNetworks:
			for _, n := range a.Nets {
				c, ok := addr.ParseCIDR(n)
				if !ok {
					errs = append(errs, fmt.Errorf("alias %s: invalid network %q", a.Name, n))
					continue
				}
				alias.Nets = append(alias.Nets, c)
			}
		case firewall.AliasPorts:
			alias.Ports = a.Ports
		}
		aliases[a.Name] = alias
	}

	rules := make([]firewall.Rule, 0, len(rc.FirewallRules))
	for _, rcRule := range rc.FirewallRules {
		rules = append(rules, rcRule.resolve())
	}

	return firewall.New(rules, firewall.Action(rc.FirewallDefaultPolicy), aliases), errs
}

func (rc RuleConfig) resolve() firewall.Rule {
	r := firewall.Rule{
		Enabled:      rc.Enabled,
		Layer:        firewall.Layer(rc.Layer),
		Direction:    firewall.Direction(rc.Direction),
		Zone:         firewall.Zone(rc.Zone),
		Action:       firewall.Action(rc.Action),
		Comment:      rc.Comment,
		EtherType:    rc.EtherType,
		IsBroadcast:  rc.IsBroadcast,
		SrcAlias:     rc.SrcAlias,
		DstAlias:     rc.DstAlias,
		Protocol:     firewall.Protocol(rc.Protocol),
		SrcPort:      rc.SrcPort,
		DstPort:      rc.DstPort,
		SrcPortAlias: rc.SrcPortAlias,
		DstPortAlias: rc.DstPortAlias,
	}
	if mac, ok := addr.ParseMAC(rc.SrcMAC); ok {
		r.SrcMAC = &mac
	}
	if mac, ok := addr.ParseMAC(rc.DstMAC); ok {
		r.DstMAC = &mac
	}
	if rc.SrcAlias == "" {
		if c, ok := addr.ParseCIDR(rc.SrcCIDR); ok {
			r.SrcCIDR = &c
		}
	}
	if rc.DstAlias == "" {
		if c, ok := addr.ParseCIDR(rc.DstCIDR); ok {
			r.DstCIDR = &c
		}
	}
	return r
}
