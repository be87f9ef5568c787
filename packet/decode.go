package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decoder turns raw frames into Packet structs. It keeps its gopacket layer
// structs preallocated so decoding a packet performs no heap allocation.
// A Decoder must not be used concurrently.
type Decoder struct {
	eth  layers.Ethernet
	ip4  layers.IPv4
	ip6  layers.IPv6
	tcp  layers.TCP
	udp  layers.UDP
	skip layers.IPv6ExtensionSkipper
}

// Decode parses an L2 frame (or a bare L3 packet when first is
// LayerTypeIPv4/IPv6) into pkt. It returns false when the frame does not
// contain a supported IPv4/IPv6 packet carrying TCP or UDP.
//
// Borrowed decoding-layer loop; recovers from malformed-option panics the
// gopacket decoders are known to throw.
func (d *Decoder) Decode(data []byte, first gopacket.LayerType, ts Time, pkt *Packet) (ok bool) {
	defer func() {
		if err := recover(); err != nil {
			ok = false
		}
	}()

	*pkt = Packet{TS: ts}
	typ := first
	var decoder gopacket.DecodingLayer
	for len(data) > 0 {
		switch typ {
		case layers.LayerTypeEthernet:
			decoder = &d.eth
		case layers.LayerTypeIPv4:
			decoder = &d.ip4
		case layers.LayerTypeIPv6:
			decoder = &d.ip6
		case layers.LayerTypeTCP:
			decoder = &d.tcp
		case layers.LayerTypeUDP:
			decoder = &d.udp
		case layerTypeIPv46:
			if len(data) == 0 {
				return false
			}
			switch data[0] >> 4 {
			case 4:
				decoder = &d.ip4
				typ = layers.LayerTypeIPv4
			case 6:
				decoder = &d.ip6
				typ = layers.LayerTypeIPv6
			default:
				return false
			}
		default:
			if layers.LayerClassIPv6Extension.Contains(typ) {
				decoder = &d.skip
			} else {
				return false
			}
		}
		if err := decoder.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return false
		}
		switch typ {
		case layers.LayerTypeIPv4:
			pkt.IPVersion = IPv4
			pkt.Proto = uint8(d.ip4.Protocol)
			copy(pkt.SrcIP[:4], d.ip4.SrcIP.To4())
			copy(pkt.DstIP[:4], d.ip4.DstIP.To4())
			pkt.IPTTL = d.ip4.TTL
			pkt.IPTos = d.ip4.TOS
			pkt.IPFlags = uint8(d.ip4.Flags)
			pkt.IPLen = d.ip4.Length
		case layers.LayerTypeIPv6:
			pkt.IPVersion = IPv6
			pkt.Proto = uint8(d.ip6.NextHeader)
			copy(pkt.SrcIP[:], d.ip6.SrcIP.To16())
			copy(pkt.DstIP[:], d.ip6.DstIP.To16())
			pkt.IPTTL = d.ip6.HopLimit
			pkt.IPTos = d.ip6.TrafficClass
			pkt.IPLen = d.ip6.Length
		case layers.LayerTypeTCP:
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
			pkt.TCPFlags = tcpFlags(&d.tcp)
			pkt.TCPWindow = d.tcp.Window
			pkt.TCPMSS, pkt.TCPOptions = tcpOptions(&d.tcp)
			pkt.Payload = d.tcp.Payload
			return pkt.IPVersion != 0
		case layers.LayerTypeUDP:
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
			pkt.UDPLen = d.udp.Length
			pkt.Payload = d.udp.Payload
			return pkt.IPVersion != 0
		default:
			if layers.LayerClassIPv6Extension.Contains(typ) {
				pkt.Proto = uint8(d.skip.NextHeader)
			}
		}
		typ = decoder.NextLayerType()
		data = decoder.LayerPayload()
	}
	return false
}

var layerTypeIPv46 = gopacket.RegisterLayerType(1246, gopacket.LayerTypeMetadata{Name: "IPv4OrIPv6"})

// LayerTypeIPv46 selects between IPv4 and IPv6 by the version nibble, for
// capture sources that deliver bare IP packets.
func LayerTypeIPv46() gopacket.LayerType { return layerTypeIPv46 }

func tcpFlags(tcp *layers.TCP) (f uint8) {
	if tcp.FIN {
		f |= TCPFin
	}
	if tcp.SYN {
		f |= TCPSyn
	}
	if tcp.RST {
		f |= TCPRst
	}
	if tcp.PSH {
		f |= TCPPsh
	}
	if tcp.ACK {
		f |= TCPAck
	}
	if tcp.URG {
		f |= TCPUrg
	}
	return
}

// tcpOptions folds the parsed option list into the MSS value and a bitmask
// of observed option kinds (bit n set = option kind n present).
func tcpOptions(tcp *layers.TCP) (mss uint16, opts uint64) {
	for _, opt := range tcp.Options {
		if opt.OptionType < 64 {
			opts |= 1 << opt.OptionType
		}
		if opt.OptionType == layers.TCPOptionKindMSS && len(opt.OptionData) >= 2 {
			mss = uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
		}
	}
	return
}
