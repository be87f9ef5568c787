// Package quic extracts the TLS SNI and the Google user agent from QUIC
// Initial packets. Initial packets are protected with keys derived from a
// connection id in the header (the destination id for packets towards port
// 443, the source id for packets from it), so a single datagram can be
// decrypted in isolation: derive the per-direction secrets, unmask the header, open the
// AES-128-GCM payload, reassemble the CRYPTO frames and parse the embedded
// ClientHello.
//
// Known limitation kept from the shipped frame walk: ACK and
// CONNECTION_CLOSE frames are skipped a single byte at a time even though
// they carry variable payloads; packets with non-trivial ACK frames are
// therefore not decoded.
package quic

import (
	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
)

// maxFieldLen bounds the extracted SNI and user-agent strings.
const maxFieldLen = 255

const quicPort = 443

// RecordExt is the QUIC extension attached to a flow once an Initial packet
// was decrypted.
type RecordExt struct {
	SNI       string
	UserAgent string
	Version   uint32
}

// Plugin implements the QUIC Initial decryptor.
type Plugin struct {
	flows.ExtensionSlot

	// spare is the reusable candidate extension; it becomes flow-owned on
	// the first successful extraction and is replaced lazily.
	spare *RecordExt

	parsedInitial uint64
}

func NewPlugin() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "quic" }

// ParsedInitial returns the number of successfully parsed Initial packets.
func (p *Plugin) ParsedInitial() uint64 { return p.parsedInitial }

func (p *Plugin) PreCreate(pkt *packet.Packet) flows.Action { return flows.ActionOK }

func (p *Plugin) PostCreate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	p.addQUIC(rec, pkt)
	return flows.ActionOK
}

func (p *Plugin) PreUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	return flows.ActionOK
}

func (p *Plugin) PostUpdate(rec *flows.FlowRecord, pkt *packet.Packet) flows.Action {
	if rec.Extension(p.ExtID()) == nil {
		return flows.ActionOK
	}
	p.addQUIC(rec, pkt)
	return flows.ActionOK
}

func (p *Plugin) PreExport(rec *flows.FlowRecord) {}

func (p *Plugin) addQUIC(rec *flows.FlowRecord, pkt *packet.Packet) {
	if p.spare == nil {
		p.spare = &RecordExt{}
	}
	if p.processQUIC(p.spare, pkt) {
		rec.SetExtension(p.ExtID(), p.spare)
		p.spare = nil
	}
}

// processQUIC runs the full Initial extraction for one packet. Any failure
// (not an Initial, unsupported version, truncated header, tag mismatch)
// aborts quietly; the flow keeps accumulating and other plugins still run.
func (p *Plugin) processQUIC(ext *RecordExt, pkt *packet.Packet) bool {
	if pkt.Proto != packet.ProtoUDP || len(pkt.Payload) == 0 || !isInitial(pkt.Payload[0]) {
		return false
	}

	h, ok := parseInitial(pkt.Payload)
	if !ok {
		return false
	}

	// The port tells the direction: keys for packets towards the server
	// come from the destination connection id, the reverse direction from
	// the source connection id.
	var connID []byte
	var label string
	switch {
	case pkt.DstPort == quicPort:
		connID = h.dcid
		label = "client in"
	case pkt.SrcPort == quicPort:
		connID = h.scid
		label = "server in"
	default:
		return false
	}
	if len(connID) == 0 {
		return false
	}

	ext.Version = h.version
	salt, google := selectSalt(h.version)

	secrets, err := deriveInitialSecrets(salt, connID, label)
	if err != nil {
		return false
	}
	header, pkn, payloadOff, payloadLen, ok := unmaskHeader(&h, &secrets)
	if !ok {
		return false
	}
	plain := decryptPayload(&h, &secrets, header, pkn, payloadOff, payloadLen)
	if plain == nil {
		return false
	}
	if google {
		// Google dialects carry no standard CRYPTO framing; a successful
		// decrypt is all that can be extracted.
		return true
	}
	assembled := assembleCrypto(plain)
	if assembled == nil {
		return false
	}
	if !parseClientHello(assembled, ext) {
		return false
	}
	p.parsedInitial++
	return true
}
