package packet

import (
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FromLayers builds a Packet by serializing the given layers and running them
// through the decoder. Intended for tests and synthetic traffic generation.
func FromLayers(ts Time, layerList ...gopacket.SerializableLayer) *Packet {
	var first gopacket.LayerType
	for _, l := range layerList {
		switch ll := l.(type) {
		case *layers.IPv4:
			if ll.Version == 0 {
				ll.Version = 4
			}
			if ll.IHL == 0 {
				ll.IHL = 5
			}
			if ll.TTL == 0 {
				ll.TTL = 64
			}
			if first == 0 {
				first = layers.LayerTypeIPv4
			}
		case *layers.IPv6:
			if ll.Version == 0 {
				ll.Version = 6
			}
			if ll.HopLimit == 0 {
				ll.HopLimit = 64
			}
			if first == 0 {
				first = layers.LayerTypeIPv6
			}
		case *layers.TCP:
			setChecksumNetwork(ll, layerList)
		case *layers.UDP:
			setChecksumNetwork(ll, layerList)
		case *layers.Ethernet:
			if first == 0 {
				first = layers.LayerTypeEthernet
			}
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layerList...); err != nil {
		log.Panicf("serializing test packet: %v", err)
	}
	var d Decoder
	pkt := new(Packet)
	if !d.Decode(buf.Bytes(), first, ts, pkt) {
		log.Panic("test packet did not decode")
	}
	// Decode borrows the decoder's payload slice; detach it so the Packet
	// survives the next FromLayers call.
	pkt.Payload = append([]byte(nil), pkt.Payload...)
	return pkt
}

func setChecksumNetwork(l gopacket.SerializableLayer, layerList []gopacket.SerializableLayer) {
	for _, n := range layerList {
		switch net := n.(type) {
		case *layers.IPv4:
			switch t := l.(type) {
			case *layers.TCP:
				t.SetNetworkLayerForChecksum(net)
			case *layers.UDP:
				t.SetNetworkLayerForChecksum(net)
			}
		case *layers.IPv6:
			switch t := l.(type) {
			case *layers.TCP:
				t.SetNetworkLayerForChecksum(net)
			case *layers.UDP:
				t.SetNetworkLayerForChecksum(net)
			}
		}
	}
}
