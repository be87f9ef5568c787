package flows

import (
	"testing"

	"github.com/probelab/flowprobe/packet"
)

func infoWithHash(hash uint64) PacketInfo {
	return PacketInfo{hash: hash, keyLen: keyV4Len}
}

func TestStoreGeometry(t *testing.T) {
	s := NewStore(256, 4, 0)
	if s.Size() != 256 || s.LineSize() != 4 {
		t.Fatalf("unexpected geometry %d/%d", s.Size(), s.LineSize())
	}
	if s.lineMask != 255&^3 {
		t.Errorf("line mask = %#x", s.lineMask)
	}
	if s.NewIdx() != 2 {
		t.Errorf("new idx = %d", s.NewIdx())
	}
}

func TestStoreDirectMappedAndFullyAssociative(t *testing.T) {
	// both extremes of the line size are legal
	direct := NewStore(16, 1, 0)
	if direct.lineMask != 15 {
		t.Errorf("direct-mapped line mask = %#x", direct.lineMask)
	}
	full := NewStore(16, 16, 0)
	if full.lineMask != 0 {
		t.Errorf("fully associative line mask = %#x", full.lineMask)
	}

	info := infoWithHash(0x1234)
	if acc := full.LookupEmpty(&info); acc != 0 {
		t.Errorf("first empty slot of the single line should be 0, got %d", acc)
	}
	if acc := full.Free(&info); acc != 15 {
		t.Errorf("victim of the single line should be 15, got %d", acc)
	}
}

func TestStoreLookupAndPromotion(t *testing.T) {
	s := NewStore(64, 4, 0)
	pkt := &packet.Packet{IPVersion: packet.IPv4, Proto: packet.ProtoUDP, SrcPort: 1, DstPort: 2}
	info := s.Prepare(pkt, false)

	if acc := s.Lookup(&info); acc != AccessorEnd {
		t.Fatalf("lookup in empty store must miss, got %d", acc)
	}
	acc := s.LookupEmpty(&info)
	if acc == AccessorEnd {
		t.Fatal("empty store must offer a slot")
	}
	s.Record(acc).Create(pkt, info.Hash())
	head := s.Put(acc)
	if uint32(head) != uint32(acc)&s.lineMask {
		t.Errorf("promotion must land on the line head, got %d", head)
	}

	hit := s.Lookup(&info)
	if hit != head {
		t.Errorf("lookup should find the promoted record at %d, got %d", head, hit)
	}
}

func TestStorePointerRotationKeepsRecords(t *testing.T) {
	s := NewStore(16, 4, 1)
	line := uint32(8)

	// occupy the full line with distinct hashes
	recs := make([]*FlowRecord, 4)
	for i := 0; i < 4; i++ {
		acc := Accessor(line + uint32(i))
		rec := s.Record(acc)
		rec.hash = uint64(i + 1)
		rec.SetExtension(0, i)
		recs[i] = rec
	}

	// promote the third slot; records must move as pointers, not copies
	head := s.Put(Accessor(line + 2))
	if head != Accessor(line) {
		t.Fatalf("expected accessor of line head, got %d", head)
	}
	if s.Record(head) != recs[2] {
		t.Error("promoted record is not the same object")
	}
	if got := s.Record(head).Extension(0); got != 2 {
		t.Errorf("extension must stay with the record, got %v", got)
	}
	wantOrder := []uint64{3, 1, 2, 4}
	for i, want := range wantOrder {
		if got := s.Record(Accessor(line + uint32(i))).hash; got != want {
			t.Errorf("slot %d: hash %d, want %d", i, got, want)
		}
	}
}

func TestStoreExportInstallsEmptySlot(t *testing.T) {
	s := NewStore(16, 4, 0)
	q := NewExportQueue(4, 0)
	pkt := &packet.Packet{IPVersion: packet.IPv4, Proto: packet.ProtoUDP, SrcPort: 7, DstPort: 8}
	info := s.Prepare(pkt, false)

	acc := s.LookupEmpty(&info)
	s.Record(acc).Create(pkt, info.Hash())

	out := s.Record(acc)
	got := s.IndexExport(acc, q)
	if got != acc {
		t.Errorf("export must keep the slot position, got %d want %d", got, acc)
	}
	if !s.Record(acc).Empty() {
		t.Error("slot must hold an empty record after export")
	}
	if exported := <-q.Flows(); exported != out {
		t.Error("export queue must receive the original record object")
	}
}

func TestZeroHashRemapped(t *testing.T) {
	// no valid key may produce the empty-slot marker; the packed-layout
	// hasher forces the low bit when the digest is zero, so every prepared
	// info must be nonzero
	for port := uint16(0); port < 2048; port++ {
		pkt := &packet.Packet{IPVersion: packet.IPv4, Proto: packet.ProtoUDP, SrcPort: port, DstPort: port ^ 0x5555}
		info := makePacketInfo(pkt, false)
		if info.Hash() == 0 {
			t.Fatalf("hash 0 produced for port %d", port)
		}
	}
}
