// Package ipfix encodes completed flows as IPFIX messages.
package ipfix

import (
	"fmt"
	"io"
	"net"
	"os"

	ipfix "github.com/CN-TU/go-ipfix"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/packet"
	"github.com/probelab/flowprobe/process/basic"
	"github.com/probelab/flowprobe/process/quic"
	"github.com/probelab/flowprobe/process/rtp"
)

const pen uint32 = 8057
const tmpBase uint16 = 0x7000

// Exporter writes one IPFIX data record per flow, with separate templates
// for IPv4 and IPv6 flows. Extension fields ride along as enterprise
// elements and are zero-valued when a flow lacks the extension.
type Exporter struct {
	id      string
	out     io.WriteCloser
	writer  *ipfix.MessageStream
	v4Templ int
	v6Templ int
	now     ipfix.DateTimeNanoseconds
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
			return nil, fmt.Errorf("ipfix output: %w", err)
		}
	}
	ipfix.LoadIANASpec()
	writer, err := ipfix.MakeMessageStream(out, 65535, 0)
	if err != nil {
		return nil, fmt.Errorf("ipfix output: %w", err)
	}
	return &Exporter{id: "ipfix|" + path, out: out, writer: writer}, nil
}

func (e *Exporter) ID() string { return e.id }

func enterpriseIE(name string, id uint16, typ ipfix.Type, length uint16) ipfix.InformationElement {
	return ipfix.InformationElement{Name: name, Pen: pen, ID: tmpBase + id, Type: typ, Length: length}
}

func extensionIEs() []ipfix.InformationElement {
	return []ipfix.InformationElement{
		enterpriseIE("reversePacketDeltaCount", 0, ipfix.Unsigned64Type, 8),
		enterpriseIE("reverseOctetDeltaCount", 1, ipfix.Unsigned64Type, 8),
		enterpriseIE("reverseTcpControlBits", 2, ipfix.Unsigned8Type, 1),
		enterpriseIE("quicVersion", 3, ipfix.Unsigned32Type, 4),
		enterpriseIE("quicServerName", 4, ipfix.StringType, 65535),
		enterpriseIE("quicUserAgent", 5, ipfix.StringType, 65535),
		enterpriseIE("rtpPacketsSrc", 6, ipfix.Unsigned32Type, 4),
		enterpriseIE("rtpPacketsDst", 7, ipfix.Unsigned32Type, 4),
		enterpriseIE("maximumTTLSrc", 8, ipfix.Unsigned8Type, 1),
		enterpriseIE("maximumTTLDst", 9, ipfix.Unsigned8Type, 1),
	}
}

func (e *Exporter) template(rec *flows.FlowRecord) (int, error) {
	base := []string{
		"flowStartNanoseconds", "flowEndNanoseconds",
		"protocolIdentifier",
		"sourceTransportPort", "destinationTransportPort",
		"packetDeltaCount", "octetDeltaCount",
		"tcpControlBits", "flowEndReason",
	}
	var addrs []string
	var templ *int
	if rec.IPVersion == packet.IPv6 {
		addrs = []string{"sourceIPv6Address", "destinationIPv6Address"}
		templ = &e.v6Templ
	} else {
		addrs = []string{"sourceIPv4Address", "destinationIPv4Address"}
		templ = &e.v4Templ
	}
	if *templ != 0 {
		return *templ, nil
	}
	ies := make([]ipfix.InformationElement, 0, len(addrs)+len(base)+10)
	for _, name := range addrs {
		ie, err := ipfix.GetInformationElement(name)
		if err != nil {
			return 0, err
		}
		ies = append(ies, ie)
	}
	for _, name := range base {
		ie, err := ipfix.GetInformationElement(name)
		if err != nil {
			return 0, err
		}
		ies = append(ies, ie)
	}
	ies = append(ies, extensionIEs()...)
	id, err := e.writer.AddTemplate(e.now, ies...)
	if err != nil {
		return 0, err
	}
	*templ = id
	return id, nil
}

func nanoseconds(t packet.Time) ipfix.DateTimeNanoseconds {
	return ipfix.DateTimeNanoseconds(uint64(t.Sec)*1e9 + uint64(t.Usec)*1e3)
}

// Export encodes one flow record.
func (e *Exporter) Export(rec *flows.FlowRecord) error {
	e.now = nanoseconds(rec.TimeLast)
	id, err := e.template(rec)
	if err != nil {
		return err
	}

	var quicVersion uint32
	var sni, userAgent string
	var rtpSrc, rtpDst uint32
	var ttlSrc, ttlDst uint8
	rec.Extensions(func(_ int, ext flows.Extension) {
		switch v := ext.(type) {
		case *quic.RecordExt:
			quicVersion = v.Version
			sni = v.SNI
			userAgent = v.UserAgent
		case *rtp.RecordExt:
			rtpSrc = v.RTP[0]
			rtpDst = v.RTP[1]
		case *basic.RecordExt:
			ttlSrc = v.IPTTL[0]
			ttlDst = v.IPTTL[1]
		}
	})

	alen := 4
	if rec.IPVersion == packet.IPv6 {
		alen = 16
	}
	e.writer.SendData(e.now, id,
		net.IP(rec.SrcIP[:alen]), net.IP(rec.DstIP[:alen]),
		nanoseconds(rec.TimeFirst), nanoseconds(rec.TimeLast),
		rec.Proto,
		rec.SrcPort, rec.DstPort,
		rec.SrcPackets, rec.SrcBytes,
		uint16(rec.SrcTCPFlags), uint8(rec.EndReason),
		rec.DstPackets, rec.DstBytes, rec.DstTCPFlags,
		quicVersion, sni, userAgent,
		rtpSrc, rtpDst,
		ttlSrc, ttlDst,
	)
	return nil
}

// Finish flushes outstanding messages and closes the file.
func (e *Exporter) Finish() error {
	e.writer.Flush(e.now)
	if e.out != os.Stdout {
		return e.out.Close()
	}
	return nil
}
