// Package basic extends flow records with per-direction IP and TCP header
// observations: TTL, IP flags, MSS, window and the size of the opening SYN.
package basic

import (
	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
)

// RecordExt holds the per-direction header fields. Index 0 is the source
// direction, 1 the destination direction.
type RecordExt struct {
	IPTTL      [2]uint8
	IPFlg      [2]uint8
	TCPMSS     [2]uint16
	TCPOpt     [2]uint64
	TCPWin     [2]uint16
	TCPSynSize uint16
	dstFilled  bool
}

// Plugin implements the basicplus enrichment.
type Plugin struct {
	flows.ExtensionSlot
}

func NewPlugin() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "basicplus" }

func (p *Plugin) PreCreate(pkt *packet.Packet) flows.Action { return flows.ActionOK }

func (p *Plugin) PostCreate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	ext := &RecordExt{}
	ext.IPTTL[0] = pkt.IPTTL
	ext.IPFlg[0] = pkt.IPFlags
	ext.TCPMSS[0] = pkt.TCPMSS
	ext.TCPOpt[0] = pkt.TCPOptions
	ext.TCPWin[0] = pkt.TCPWindow
	if pkt.TCPFlags == packet.TCPSyn {
		ext.TCPSynSize = pkt.IPLen
	}
	rec.SetExtension(p.ExtID(), ext)
	return flows.ActionOK
}

func (p *Plugin) PreUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	ext, ok := rec.Extension(p.ExtID()).(*RecordExt)
	if !ok {
		return flows.ActionOK
	}
	dir := 0
	if !pkt.SourcePkt {
		dir = 1
	}
	if ext.IPTTL[dir] < pkt.IPTTL {
		ext.IPTTL[dir] = pkt.IPTTL
	}
	if dir == 1 && !ext.dstFilled {
		ext.IPTTL[1] = pkt.IPTTL
		ext.IPFlg[1] = pkt.IPFlags
		ext.TCPMSS[1] = pkt.TCPMSS
		ext.TCPOpt[1] = pkt.TCPOptions
		ext.TCPWin[1] = pkt.TCPWindow
		ext.dstFilled = true
	}
	return flows.ActionOK
}

func (p *Plugin) PostUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	return flows.ActionOK
}

func (p *Plugin) PreExport(rec *flows.FlowRecord) {}
