package rtp

import (
	"fmt"
	"io"
	"net"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
)

// Threshold classification parameters.
const (
	exportPacketsTotal = 200
	exportPacketsStart = 0
	detectionThreshold = 0.3
)

// packetMeta is the per-packet sample the exporter keeps until the flow has
// enough packets for classification.
type packetMeta struct {
	ts         packet.Time
	srcIP      [16]byte
	dstIP      [16]byte
	ipVersion  uint8
	proto      uint8
	srcPort    uint16
	dstPort    uint16
	payloadLen int
	ipFlags    uint8
	ipTos      uint8
}

// ExporterExt buffers packet samples for one flow.
type ExporterExt struct {
	packets [exportPacketsTotal]packetMeta
	counter int
}

func (e *ExporterExt) addPacket(pkt *packet.Packet) {
	if e.counter < exportPacketsTotal {
		m := &e.packets[e.counter]
		m.ts = pkt.TS
		m.srcIP = pkt.SrcIP
		m.dstIP = pkt.DstIP
		m.ipVersion = pkt.IPVersion
		m.proto = pkt.Proto
		m.srcPort = pkt.SrcPort
		m.dstPort = pkt.DstPort
		m.payloadLen = len(pkt.Payload)
		m.ipFlags = pkt.IPFlags
		m.ipTos = pkt.IPTos
		e.counter++
	}
}

// ExporterPlugin applies the RTP detection threshold once a flow has
// accumulated enough packets and writes one line per sampled packet, tagged
// with the classification verdict. It requires the classifier Plugin to run
// in the same pipeline.
type ExporterPlugin struct {
	flows.ExtensionSlot
	classifier *Plugin
	out        io.Writer
}

// NewExporterPlugin writes classification lines to out.
func NewExporterPlugin(classifier *Plugin, out io.Writer) *ExporterPlugin {
	return &ExporterPlugin{classifier: classifier, out: out}
}

func (p *ExporterPlugin) Name() string { return "rtp-exporter" }

func (p *ExporterPlugin) PreCreate(pkt *packet.Packet) flows.Action { return flows.ActionOK }

func (p *ExporterPlugin) PostCreate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	ext := &ExporterExt{}
	rec.SetExtension(p.ExtID(), ext)
	p.managePacket(rec, ext, pkt)
	return flows.ActionOK
}

func (p *ExporterPlugin) PreUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	return flows.ActionOK
}

func (p *ExporterPlugin) PostUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	if ext, ok := rec.Extension(p.ExtID()).(*ExporterExt); ok {
		p.managePacket(rec, ext, pkt)
	}
	return flows.ActionOK
}

func (p *ExporterPlugin) PreExport(rec *flows.FlowRecord) {}

func (p *ExporterPlugin) managePacket(rec *flows.FlowRecord, ext *ExporterExt, pkt *packet.Packet) {
	if rec.Proto != packet.ProtoUDP {
		return
	}
	if pkt.DstPort == 53 || pkt.SrcPort == 53 {
		return
	}
	if ext.counter >= exportPacketsTotal {
		return
	}
	total := rec.SrcPackets + rec.DstPackets
	if total <= exportPacketsStart {
		return
	}
	ext.addPacket(pkt)
	if ext.counter == exportPacketsTotal {
		p.exportFlow(rec, ext)
	}
}

func (p *ExporterPlugin) exportFlow(rec *flows.FlowRecord, ext *ExporterExt) {
	cls, _ := rec.Extension(p.classifier.ExtID()).(*RecordExt)
	if cls == nil {
		return
	}
	isRTP := cls.RTPRatio() >= detectionThreshold

	for i := 0; i < ext.counter; i++ {
		m := &ext.packets[i]
		alen := 4
		if m.ipVersion == packet.IPv6 {
			alen = 16
		}
		fmt.Fprintf(p.out, "%d,%d,%s,%s,%d,%d,%d,%d,%d,%d,%t\n",
			m.ts.Sec, m.ts.Usec,
			net.IP(m.srcIP[:alen]), net.IP(m.dstIP[:alen]),
			m.srcPort, m.dstPort,
			m.payloadLen, m.proto, m.ipFlags, m.ipTos, isRTP)
	}
}
