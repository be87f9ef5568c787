// Package csv writes completed flows as CSV rows, one flow per line with a
// header row up front.
package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
	"github.com/probelab/flowprobe/process/quic"
	"github.com/probelab/flowprobe/process/rtp"
)

var header = []string{
	"src_ip", "dst_ip", "src_port", "dst_port", "protocol",
	"time_first", "time_last",
	"packets", "bytes", "packets_rev", "bytes_rev",
	"tcp_flags", "tcp_flags_rev", "end_reason",
	"quic_version", "quic_sni", "quic_user_agent",
	"rtp_packets_src", "rtp_packets_dst",
}

// Exporter writes CSV rows to a file.
type Exporter struct {
	id  string
	out io.WriteCloser
	w   *csv.Writer
}

// New creates an exporter writing to path ("-" for stdout).
func New(path string) (*Exporter, error) {
	var out io.WriteCloser
	var err error
	if path == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("csv output: %w", err)
		}
	}
	e := &Exporter{id: "csv|" + path, out: out, w: csv.NewWriter(out)}
	if err := e.w.Write(header); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) ID() string { return e.id }

// Export writes one row.
func (e *Exporter) Export(rec *flows.FlowRecord) error {
	alen := 4
	if rec.IPVersion == packet.IPv6 {
		alen = 16
	}
	var quicVersion, sni, userAgent string
	var rtpSrc, rtpDst string
	rec.Extensions(func(_ int, ext flows.Extension) {
		switch v := ext.(type) {
		case *quic.RecordExt:
			quicVersion = fmt.Sprintf("%#x", v.Version)
			sni = v.SNI
			userAgent = v.UserAgent
		case *rtp.RecordExt:
			rtpSrc = strconv.FormatUint(uint64(v.RTP[0]), 10)
			rtpDst = strconv.FormatUint(uint64(v.RTP[1]), 10)
		}
	})
	return e.w.Write([]string{
		net.IP(rec.SrcIP[:alen]).String(),
		net.IP(rec.DstIP[:alen]).String(),
		strconv.FormatUint(uint64(rec.SrcPort), 10),
		strconv.FormatUint(uint64(rec.DstPort), 10),
		strconv.FormatUint(uint64(rec.Proto), 10),
		fmt.Sprintf("%d.%06d", rec.TimeFirst.Sec, rec.TimeFirst.Usec),
		fmt.Sprintf("%d.%06d", rec.TimeLast.Sec, rec.TimeLast.Usec),
		strconv.FormatUint(rec.SrcPackets, 10),
		strconv.FormatUint(rec.SrcBytes, 10),
		strconv.FormatUint(rec.DstPackets, 10),
		strconv.FormatUint(rec.DstBytes, 10),
		strconv.FormatUint(uint64(rec.SrcTCPFlags), 10),
		strconv.FormatUint(uint64(rec.DstTCPFlags), 10),
		rec.EndReason.String(),
		quicVersion, sni, userAgent,
		rtpSrc, rtpDst,
	})
}

// Finish flushes and closes the file.
func (e *Exporter) Finish() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	if e.out != os.Stdout {
		return e.out.Close()
	}
	return nil
}
