package packet

// IP version numbers as they appear in flow keys and records.
const (
	IPv4 = 4
	IPv6 = 6
)

// L4 protocol numbers used on the hot path.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// TCP flag bits in the order they appear on the wire.
const (
	TCPFin = 1 << iota
	TCPSyn
	TCPRst
	TCPPsh
	TCPAck
	TCPUrg
)

// Time is a capture timestamp with microsecond resolution. Timeout
// comparisons operate on whole seconds, matching the exporter's timeout
// semantics, so the two fields are kept separate instead of being folded
// into a single nanosecond counter.
type Time struct {
	Sec  int64
	Usec int64
}

// Before reports whether t is strictly earlier than o.
func (t Time) Before(o Time) bool {
	if t.Sec != o.Sec {
		return t.Sec < o.Sec
	}
	return t.Usec < o.Usec
}

// Packet is one parsed packet as handed to the storage worker. The input
// worker owns the backing buffers; the storage worker borrows the struct for
// the duration of one cache call.
type Packet struct {
	TS Time

	IPVersion uint8
	Proto     uint8
	SrcIP     [16]byte
	DstIP     [16]byte
	SrcPort   uint16
	DstPort   uint16

	IPTTL   uint8
	IPTos   uint8
	IPFlags uint8
	IPLen   uint16

	TCPFlags   uint8
	TCPWindow  uint16
	TCPMSS     uint16
	TCPOptions uint64

	UDPLen uint16

	// Payload is the transport payload. Valid only for the duration of one
	// storage call; plugins must copy anything they keep.
	Payload []byte

	// SourcePkt is set by the cache: true when the packet travels in the
	// direction that created the flow.
	SourcePkt bool
}

// IPLenBytes returns the address length for the packet's IP version.
func (p *Packet) IPLenBytes() int {
	if p.IPVersion == IPv6 {
		return 16
	}
	return 4
}
