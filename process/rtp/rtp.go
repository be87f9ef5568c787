// Package rtp classifies UDP flows as RTP by cross-packet consistency of the
// RTP header: constant SSRC, near-monotonic sequence numbers and plausible
// timestamp progression, tracked per direction.
package rtp

import (
	"encoding/binary"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
)

// Per-direction classifier states.
const (
	StateEmpty = iota
	StateMatching
	StateInitialized
)

const (
	rtpHeaderLen = 12
	rtpVersion   = 2

	// Reserved RTCP payload-type range; candidates in it are rejected.
	rtcpPTLow  = 72
	rtcpPTHigh = 95

	maxSeqDelta = 5
	maxTSDelta  = 10 * 1024
)

// header holds the RTP header fields the classifier compares across packets.
type header struct {
	payloadType uint8
	seq         uint16
	timestamp   uint32
	ssrc        uint32
}

func parseHeader(payload []byte) header {
	return header{
		payloadType: payload[1] & 0x7f,
		seq:         binary.BigEndian.Uint16(payload[2:]),
		timestamp:   binary.BigEndian.Uint32(payload[4:]),
		ssrc:        binary.BigEndian.Uint32(payload[8:]),
	}
}

// RecordExt is the flow's RTP classifier state, one machine per direction.
// Index 0 is the source direction, 1 the destination direction.
type RecordExt struct {
	State  [2]int
	Stored [2]header
	RTP    [2]uint32
	Total  [2]uint32
}

// RTPRatio returns the fraction of verified RTP packets over all packets
// seen by the classifier.
func (e *RecordExt) RTPRatio() float64 {
	total := e.Total[0] + e.Total[1]
	if total == 0 {
		return 0
	}
	return float64(e.RTP[0]+e.RTP[1]) / float64(total)
}

// Plugin implements the RTP classifier.
type Plugin struct {
	flows.ExtensionSlot
}

func NewPlugin() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "rtp" }

func (p *Plugin) PreCreate(pkt *packet.Packet) flows.Action { return flows.ActionOK }

func (p *Plugin) PostCreate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	ext := &RecordExt{}
	rec.SetExtension(p.ExtID(), ext)
	p.managePacket(ext, pkt)
	return flows.ActionOK
}

func (p *Plugin) PreUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	return flows.ActionOK
}

func (p *Plugin) PostUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	if ext, ok := rec.Extension(p.ExtID()).(*RecordExt); ok {
		p.managePacket(ext, pkt)
	}
	return flows.ActionOK
}

func (p *Plugin) PreExport(rec *flows.FlowRecord) {}

// validate checks the RTP header invariants a candidate packet must satisfy.
func validate(pkt *packet.Packet) bool {
	if pkt.Proto != packet.ProtoUDP || len(pkt.Payload) < rtpHeaderLen {
		return false
	}
	if pkt.DstPort == 53 || pkt.SrcPort == 53 {
		return false
	}
	if pkt.Payload[0]>>6 != rtpVersion {
		return false
	}
	pt := pkt.Payload[1] & 0x7f
	if pt >= rtcpPTLow && pt <= rtcpPTHigh {
		return false
	}
	return true
}

// verify checks cross-packet consistency against the stored header. With a
// matching payload type the sequence number and timestamp must also have
// progressed plausibly.
func verify(stored, fresh header) bool {
	if fresh.ssrc != stored.ssrc {
		return false
	}
	if fresh.payloadType == stored.payloadType {
		if seqDelta(fresh.seq, stored.seq) >= maxSeqDelta {
			return false
		}
		if tsDelta(fresh.timestamp, stored.timestamp) >= maxTSDelta {
			return false
		}
	}
	return true
}

func seqDelta(a, b uint16) uint16 {
	if a >= b {
		return a - b
	}
	return b - a
}

func tsDelta(a, b uint32) uint32 {
	if a >= b {
		return a - b
	}
	return b - a
}

func (p *Plugin) managePacket(ext *RecordExt, pkt *packet.Packet) {
	dir := 0
	if !pkt.SourcePkt {
		dir = 1
	}
	ext.Total[dir]++

	ok := validate(pkt)
	if !ok {
		return
	}
	h := parseHeader(pkt.Payload)

	switch ext.State[dir] {
	case StateEmpty:
		ext.Stored[dir] = h
		ext.State[dir] = StateMatching
	case StateMatching:
		if verify(ext.Stored[dir], h) {
			ext.State[dir] = StateInitialized
			ext.RTP[dir]++
		}
		ext.Stored[dir] = h
	case StateInitialized:
		if verify(ext.Stored[dir], h) {
			ext.RTP[dir]++
			ext.Stored[dir] = h
		}
	}
}
