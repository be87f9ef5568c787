package pipeline

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/probelab/flowprobe/packet"
)

// PcapFileSource replays a pcap file as a capture source.
type PcapFileSource struct {
	f     *os.File
	r     *pcapgo.Reader
	first gopacket.LayerType
}

// NewPcapFileSource opens path for replay.
func NewPcapFileSource(path string) (*PcapFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pcap source: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap source: %w", err)
	}
	var first gopacket.LayerType
	switch r.LinkType() {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = packet.LayerTypeIPv46()
	default:
		f.Close()
		return nil, fmt.Errorf("pcap source: unsupported link type %s", r.LinkType())
	}
	return &PcapFileSource{f: f, r: r, first: first}, nil
}

// Read returns the next frame. io.EOF ends the replay.
func (s *PcapFileSource) Read() ([]byte, packet.Time, gopacket.LayerType, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		s.f.Close()
		return nil, packet.Time{}, s.first, err
	}
	ts := packet.Time{Sec: ci.Timestamp.Unix(), Usec: int64(ci.Timestamp.Nanosecond() / 1000)}
	return data, ts, s.first, nil
}
