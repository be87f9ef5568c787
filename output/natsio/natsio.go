// Package natsio publishes completed flows to a NATS subject as JSON.
package natsio

import (
	"encoding/json"
	"fmt"
	"log"
	"net"

	"github.com/nats-io/nats.go"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
	"github.com/probelab/flowprobe/process/quic"
)

// flowMessage is the wire layout of one published flow.
type flowMessage struct {
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Protocol    uint8  `json:"protocol"`
	TimeFirst   int64  `json:"time_first_us"`
	TimeLast    int64  `json:"time_last_us"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	PacketsRev  uint64 `json:"packets_rev"`
	BytesRev    uint64 `json:"bytes_rev"`
	EndReason   string `json:"end_reason"`
	QUICVersion uint32 `json:"quic_version,omitempty"`
	QUICSNI     string `json:"quic_sni,omitempty"`
}

// Exporter publishes flows to one subject.
type Exporter struct {
	id      string
	nc      *nats.Conn
	subject string
}

// New connects to the NATS server at url.
func New(url, subject string) (*Exporter, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats output: %w", err)
	}
	log.Printf("connected to NATS server at %s", url)
	return &Exporter{id: "nats|" + subject, nc: nc, subject: subject}, nil
}

func (e *Exporter) ID() string { return e.id }

// Export serializes one flow and publishes it.
func (e *Exporter) Export(rec *flows.FlowRecord) error {
	alen := 4
	if rec.IPVersion == packet.IPv6 {
		alen = 16
	}
	msg := flowMessage{
		SrcIP:      net.IP(rec.SrcIP[:alen]).String(),
		DstIP:      net.IP(rec.DstIP[:alen]).String(),
		SrcPort:    rec.SrcPort,
		DstPort:    rec.DstPort,
		Protocol:   rec.Proto,
		TimeFirst:  rec.TimeFirst.Sec*1000000 + rec.TimeFirst.Usec,
		TimeLast:   rec.TimeLast.Sec*1000000 + rec.TimeLast.Usec,
		Packets:    rec.SrcPackets,
		Bytes:      rec.SrcBytes,
		PacketsRev: rec.DstPackets,
		BytesRev:   rec.DstBytes,
		EndReason:  rec.EndReason.String(),
	}
	rec.Extensions(func(_ int, ext flows.Extension) {
		if v, ok := ext.(*quic.RecordExt); ok {
			msg.QUICVersion = v.Version
			msg.QUICSNI = v.SNI
		}
	})
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return e.nc.Publish(e.subject, data)
}

// Finish drains and closes the connection.
func (e *Exporter) Finish() error {
	if e.nc != nil {
		e.nc.Drain()
	}
	return nil
}
