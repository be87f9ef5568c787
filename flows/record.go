package flows

import (
	"github.com/probelab/flowprobe/packet"
)

// FlowEndReason holds the IPFIX flowEndReason value assigned when a flow is
// handed to the export queue.
type FlowEndReason byte

const (
	FlowEndReasonIdle            FlowEndReason = 1
	FlowEndReasonActive          FlowEndReason = 2
	FlowEndReasonEnd             FlowEndReason = 3
	FlowEndReasonForcedEnd       FlowEndReason = 4
	FlowEndReasonLackOfResources FlowEndReason = 5
)

func (fe FlowEndReason) String() string {
	switch fe {
	case FlowEndReasonIdle:
		return "IdleTimeout"
	case FlowEndReasonActive:
		return "ActiveTimeout"
	case FlowEndReasonEnd:
		return "EndOfFlow"
	case FlowEndReasonForcedEnd:
		return "ForcedEndOfFlow"
	case FlowEndReasonLackOfResources:
		return "LackOfResources"
	default:
		return "UnknownEndReason"
	}
}

// Extension is a plugin-owned value attached to a flow record. The concrete
// type belongs to the plugin that registered the extension id; everyone else
// treats it as opaque.
type Extension interface{}

// FlowRecord is one bidirectional flow. A record with hash 0 marks an empty
// cache slot. Records are preallocated in pools (cache slots and export-queue
// slots) and recycled; they are never heap-allocated on the per-packet path.
type FlowRecord struct {
	hash uint64

	IPVersion uint8
	Proto     uint8
	SrcIP     [16]byte
	DstIP     [16]byte
	SrcPort   uint16
	DstPort   uint16

	TimeFirst packet.Time
	TimeLast  packet.Time

	SrcPackets uint64
	DstPackets uint64
	SrcBytes   uint64
	DstBytes   uint64

	SrcTCPFlags uint8
	DstTCPFlags uint8

	EndReason FlowEndReason

	// exts has one slot per registered extension id.
	exts []Extension
}

// NewFlowRecord returns an empty record with room for extCount extensions.
func NewFlowRecord(extCount int) *FlowRecord {
	return &FlowRecord{exts: make([]Extension, extCount)}
}

// Empty reports whether the record marks an unoccupied slot.
func (r *FlowRecord) Empty() bool { return r.hash == 0 }

// Hash returns the key hash the record was created with.
func (r *FlowRecord) Hash() uint64 { return r.hash }

// Extension returns the extension stored under id, or nil.
func (r *FlowRecord) Extension(id int) Extension {
	if id < 0 || id >= len(r.exts) {
		return nil
	}
	return r.exts[id]
}

// SetExtension attaches ext under id, replacing any previous value.
func (r *FlowRecord) SetExtension(id int, ext Extension) {
	if id >= 0 && id < len(r.exts) {
		r.exts[id] = ext
	}
}

// RemoveExtension detaches the extension stored under id.
func (r *FlowRecord) RemoveExtension(id int) {
	if id >= 0 && id < len(r.exts) {
		r.exts[id] = nil
	}
}

// RemoveExtensions detaches all extensions.
func (r *FlowRecord) RemoveExtensions() {
	for i := range r.exts {
		r.exts[i] = nil
	}
}

// Extensions calls f for each attached extension in id order.
func (r *FlowRecord) Extensions(f func(id int, ext Extension)) {
	for i, e := range r.exts {
		if e != nil {
			f(i, e)
		}
	}
}

// Erase resets the record to the empty state, keeping the extension slots
// allocated for reuse.
func (r *FlowRecord) Erase() {
	exts := r.exts
	for i := range exts {
		exts[i] = nil
	}
	*r = FlowRecord{exts: exts}
}

// Create initializes an empty record from the first packet of a flow. The
// key is stored in packet orientation; inverse matches only ever update.
func (r *FlowRecord) Create(pkt *packet.Packet, hash uint64) {
	r.hash = hash
	r.IPVersion = pkt.IPVersion
	r.Proto = pkt.Proto
	r.SrcIP = pkt.SrcIP
	r.DstIP = pkt.DstIP
	r.SrcPort = pkt.SrcPort
	r.DstPort = pkt.DstPort
	r.TimeFirst = pkt.TS
	r.TimeLast = pkt.TS
	r.SrcPackets = 1
	r.SrcBytes = uint64(pkt.IPLen)
	if pkt.Proto == packet.ProtoTCP {
		r.SrcTCPFlags = pkt.TCPFlags
	}
}

// Update folds one packet into the record. source selects the direction.
func (r *FlowRecord) Update(pkt *packet.Packet, source bool) {
	r.TimeLast = pkt.TS
	if source {
		r.SrcPackets++
		r.SrcBytes += uint64(pkt.IPLen)
		if pkt.Proto == packet.ProtoTCP {
			r.SrcTCPFlags |= pkt.TCPFlags
		}
	} else {
		r.DstPackets++
		r.DstBytes += uint64(pkt.IPLen)
		if pkt.Proto == packet.ProtoTCP {
			r.DstTCPFlags |= pkt.TCPFlags
		}
	}
}

// FlowSeed is a snapshot of a record's identity, taken before the record is
// handed to the export queue so a reinserted flow can be re-seeded without
// touching the exported record again.
type FlowSeed struct {
	hash      uint64
	ipVersion uint8
	proto     uint8
	srcIP     [16]byte
	dstIP     [16]byte
	srcPort   uint16
	dstPort   uint16
	timeLast  packet.Time
}

// Seed captures the identity of r.
func (r *FlowRecord) Seed() FlowSeed {
	return FlowSeed{
		hash:      r.hash,
		ipVersion: r.IPVersion,
		proto:     r.Proto,
		srcIP:     r.SrcIP,
		dstIP:     r.DstIP,
		srcPort:   r.SrcPort,
		dstPort:   r.DstPort,
		timeLast:  r.TimeLast,
	}
}

// Reseed initializes an empty record with the identity of an exported flow:
// same key, counters cleared, first seen set to the exported flow's last
// seen. The next Update starts the new flow's accounting.
func (r *FlowRecord) Reseed(seed FlowSeed) {
	r.hash = seed.hash
	r.IPVersion = seed.ipVersion
	r.Proto = seed.proto
	r.SrcIP = seed.srcIP
	r.DstIP = seed.dstIP
	r.SrcPort = seed.srcPort
	r.DstPort = seed.dstPort
	r.TimeFirst = seed.timeLast
	r.TimeLast = seed.timeLast
}
