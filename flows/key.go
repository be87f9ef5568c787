package flows

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/probelab/flowprobe/packet"
)

// Packed key layout: ports, protocol and IP version up front, addresses
// after. The v4 layout is the short form; only the bytes that carry
// information are hashed.
const (
	keyInfoLen = 6
	keyV4Len   = keyInfoLen + 2*4
	keyV6Len   = keyInfoLen + 2*16
)

// PacketInfo carries the packed flow key, its hash and the lookup direction
// for one packet. It is computed once per Prepare call and reused by the
// cache for the lookup/free/export calls that follow within the same packet.
type PacketInfo struct {
	key     [keyV6Len]byte
	keyLen  int
	hash    uint64
	inverse bool
}

// Valid reports whether the packet carried a supported L3/L4 combination.
func (i *PacketInfo) Valid() bool { return i.keyLen != 0 }

// Hash returns the key hash. Zero is reserved for empty slots and never
// returned for a valid key.
func (i *PacketInfo) Hash() uint64 { return i.hash }

// Inverse reports whether the key was packed with the endpoints swapped.
func (i *PacketInfo) Inverse() bool { return i.inverse }

func makePacketInfo(pkt *packet.Packet, inverse bool) (info PacketInfo) {
	if pkt.IPVersion != packet.IPv4 && pkt.IPVersion != packet.IPv6 {
		return
	}
	srcPort, dstPort := pkt.SrcPort, pkt.DstPort
	srcIP, dstIP := &pkt.SrcIP, &pkt.DstIP
	if inverse {
		srcPort, dstPort = dstPort, srcPort
		srcIP, dstIP = dstIP, srcIP
	}
	binary.BigEndian.PutUint16(info.key[0:], srcPort)
	binary.BigEndian.PutUint16(info.key[2:], dstPort)
	info.key[4] = pkt.Proto
	info.key[5] = pkt.IPVersion
	alen := pkt.IPLenBytes()
	copy(info.key[keyInfoLen:], srcIP[:alen])
	copy(info.key[keyInfoLen+alen:], dstIP[:alen])
	info.keyLen = keyInfoLen + 2*alen
	info.inverse = inverse
	info.hash = xxhash.Sum64(info.key[:info.keyLen])
	if info.hash == 0 {
		// hash 0 marks an empty slot
		info.hash = 1
	}
	return
}
