// Package packet provides the Ethernet/ARP/IPv4/UDP/TCP/ICMP codec the
// router runs every guest frame through. Parsing is total: malformed,
// truncated, or unsupported frames never panic and never return a Go
// error — they come back tagged KindUnknownEther or KindUnknownIP, per
// spec.md §4.1. Built on gopacket/gopacket-layers, which also supplies the
// Internet checksum (including the IPv4 pseudo-header for UDP/TCP).
package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
)

// Kind discriminates the tagged union Parse returns.
type Kind int

const (
	KindUnknownEther Kind = iota
	KindUnknownIP
	KindARP
	KindUDP
	KindTCP
	KindICMP
)

// Parsed is the tagged union spec.md §4.1 calls Parsed.
type Parsed struct {
	Kind Kind

	Eth *layers.Ethernet
	ARP *layers.ARP
	IP  *layers.IPv4
	UDP *layers.UDP
	TCP *layers.TCP
	ICMP *layers.ICMPv4

	// Payload is the application payload following UDP/TCP headers, if any.
	Payload []byte
}

// SrcMAC/DstMAC/SrcIP/DstIP are convenience accessors used by the firewall
// and NAT engines; they return the zero value when Kind doesn't carry the
// corresponding layer.
func (p Parsed) SrcMAC() addr.MAC {
	if p.Eth == nil {
		return addr.MAC{}
	}
	var m addr.MAC
	copy(m[:], p.Eth.SrcMAC)
	return m
}

func (p Parsed) DstMAC() addr.MAC {
	if p.Eth == nil {
		return addr.MAC{}
	}
	var m addr.MAC
	copy(m[:], p.Eth.DstMAC)
	return m
}

func (p Parsed) SrcIP() addr.IPv4 {
	if p.IP == nil {
		return addr.IPv4{}
	}
	var ip addr.IPv4
	copy(ip[:], p.IP.SrcIP.To4())
	return ip
}

func (p Parsed) DstIP() addr.IPv4 {
	if p.IP == nil {
		return addr.IPv4{}
	}
	var ip addr.IPv4
	copy(ip[:], p.IP.DstIP.To4())
	return ip
}

// Protocol returns the transport protocol name ("tcp", "udp", "icmp") or ""
// for non-IP/ARP frames.
func (p Parsed) Protocol() string {
	switch p.Kind {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindICMP:
		return "icmp"
	}
	return ""
}

// SrcPort/DstPort return 0 when Kind is not KindTCP/KindUDP.
func (p Parsed) SrcPort() uint16 {
	switch p.Kind {
	case KindTCP:
		return uint16(p.TCP.SrcPort)
	case KindUDP:
		return uint16(p.UDP.SrcPort)
	}
	return 0
}

func (p Parsed) DstPort() uint16 {
	switch p.Kind {
	case KindTCP:
		return uint16(p.TCP.DstPort)
	case KindUDP:
		return uint16(p.UDP.DstPort)
	}
	return 0
}

// Parse decodes frame, a single Ethernet frame, into a Parsed value.
// Parsing never fails loudly: anything it cannot make sense of comes back
// as KindUnknownEther or KindUnknownIP.
func Parse(frame []byte) Parsed {
	// NoCopy + best-effort: gopacket still exposes whatever layers it
	// managed to decode before hitting a truncated or malformed one, so we
	// classify from whatever is present rather than bailing on pkt.ErrorLayer().
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return Parsed{Kind: KindUnknownEther}
	}
	eth, _ := ethLayer.(*layers.Ethernet)

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp, _ := arpLayer.(*layers.ARP)
		return Parsed{Kind: KindARP, Eth: eth, ARP: arp}
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return Parsed{Kind: KindUnknownIP, Eth: eth}
	}
	ip, _ := ipLayer.(*layers.IPv4)

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		return Parsed{Kind: KindUDP, Eth: eth, IP: ip, UDP: udp, Payload: udp.Payload}
	}
	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		return Parsed{Kind: KindTCP, Eth: eth, IP: ip, TCP: tcp, Payload: tcp.Payload}
	}
	if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp, _ := icmpLayer.(*layers.ICMPv4)
		return Parsed{Kind: KindICMP, Eth: eth, IP: ip, ICMP: icmp}
	}

	return Parsed{Kind: KindUnknownIP, Eth: eth, IP: ip}
}

// serialize runs layers through gopacket's serializer with length-fixing
// and checksum computation enabled — this is where the Internet checksum
// (and the UDP/TCP pseudo-header sum) actually gets computed.
func serialize(layerList ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layerList...); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// BuildARP constructs an ARP frame (request if isReply is false, reply
// otherwise) with the given Ethernet/ARP fields.
func BuildARP(srcMAC, dstMAC addr.MAC, srcIP, dstIP addr.IPv4, isReply bool) ([]byte, error) {
	ethType := layers.EthernetTypeARP
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC.Bytes(),
		DstMAC:       dstMAC.Bytes(),
		EthernetType: ethType,
	}
	op := layers.ARPRequest
	if isReply {
		op = layers.ARPReply
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         uint16(op),
		SourceHwAddress:   srcMAC.Bytes(),
		SourceProtAddress: srcIP.Bytes(),
		DstHwAddress:      dstMAC.Bytes(),
		DstProtAddress:    dstIP.Bytes(),
	}
	return serialize(eth, arp)
}

// IPv4Params carries the fields BuildUDP/BuildTCP/BuildICMPEcho need to
// construct the Ethernet+IPv4 envelope around a transport payload.
type IPv4Params struct {
	SrcMAC, DstMAC addr.MAC
	SrcIP, DstIP   addr.IPv4
	TTL            uint8
	ID             uint16
}

func (p IPv4Params) ttl() uint8 {
	if p.TTL == 0 {
		return 64
	}
	return p.TTL
}

func (p IPv4Params) ethLayer() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       p.SrcMAC.Bytes(),
		DstMAC:       p.DstMAC.Bytes(),
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func (p IPv4Params) ipLayer(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      p.ttl(),
		Id:       p.ID,
		Protocol: proto,
		SrcIP:    p.SrcIP.Bytes(),
		DstIP:    p.DstIP.Bytes(),
	}
}

// BuildUDP constructs an Ethernet+IPv4+UDP frame carrying payload.
func BuildUDP(p IPv4Params, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip := p.ipLayer(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(p.ethLayer(), ip, udp, gopacket.Payload(payload))
}

// TCPFlags mirrors the subset of TCP control bits the NAT state machine
// and codec care about.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// BuildTCP constructs an Ethernet+IPv4+TCP frame.
func BuildTCP(p IPv4Params, srcPort, dstPort uint16, seq, ack uint32, flags TCPFlags, window uint16, payload []byte) ([]byte, error) {
	ip := p.ipLayer(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		Window:  window,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(p.ethLayer(), ip, tcp, gopacket.Payload(payload))
}

// BuildICMPEcho constructs an Ethernet+IPv4+ICMP echo reply/request frame.
func BuildICMPEcho(p IPv4Params, isReply bool, id, seq uint16, payload []byte) ([]byte, error) {
	ip := p.ipLayer(layers.IPProtocolICMPv4)
	typ := layers.ICMPv4TypeEchoRequest
	if isReply {
		typ = layers.ICMPv4TypeEchoReply
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(p.ethLayer(), ip, icmp, gopacket.Payload(payload))
}

// FlagsFromTCPLayer extracts the flag subset the NAT state machine tracks.
func FlagsFromTCPLayer(tcp *layers.TCP) TCPFlags {
	return TCPFlags{SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST}
}
