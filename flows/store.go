package flows

import (
	"github.com/probelab/flowprobe/packet"
)

// Accessor addresses one slot of the store's pointer table. AccessorEnd
// signals a failed lookup.
type Accessor int

const AccessorEnd Accessor = -1

// Store is the line-associative flow table. A hash selects a line of
// lineSize slots; within the line slots are kept in LRU order with index 0
// the most recently used. The table holds pointers into a separately owned
// record pool, so LRU rotation and export swaps move pointers only and
// extension lists stay stable.
type Store struct {
	table   []*FlowRecord
	records []*FlowRecord

	cacheSize uint32
	lineSize  uint32
	lineMask  uint32
	newIdx    uint32

	lookups  uint64
	lookups2 uint64
}

// NewStore allocates a store with the given geometry. Both sizes must be
// powers of two with lineSize dividing cacheSize; CacheConfig.Validate enforces
// that before construction.
func NewStore(cacheSize, lineSize uint32, extCount int) *Store {
	s := &Store{
		table:     make([]*FlowRecord, cacheSize),
		records:   make([]*FlowRecord, cacheSize),
		cacheSize: cacheSize,
		lineSize:  lineSize,
		lineMask:  (cacheSize - 1) &^ (lineSize - 1),
		newIdx:    lineSize / 2,
	}
	for i := range s.records {
		s.records[i] = NewFlowRecord(extCount)
		s.table[i] = s.records[i]
	}
	return s
}

// Size returns the total slot count.
func (s *Store) Size() uint32 { return s.cacheSize }

// LineSize returns the associativity.
func (s *Store) LineSize() uint32 { return s.lineSize }

// NewIdx returns the line midpoint, lineSize/2. The cache does not use it;
// the timeout-sweep step comes from CacheConfig.TimeoutStep.
func (s *Store) NewIdx() uint32 { return s.newIdx }

// Record returns the record at acc.
func (s *Store) Record(acc Accessor) *FlowRecord { return s.table[acc] }

// Prepare packs the five-tuple of pkt (swapped when inverse) and computes
// its hash.
func (s *Store) Prepare(pkt *packet.Packet, inverse bool) PacketInfo {
	return makePacketInfo(pkt, inverse)
}

func (s *Store) lineOf(hash uint64) uint32 {
	return uint32(hash) & s.lineMask
}

// Lookup scans the line selected by info's hash for a slot storing the same
// hash and returns its accessor, or AccessorEnd.
func (s *Store) Lookup(info *PacketInfo) Accessor {
	line := s.lineOf(info.hash)
	for i := line; i < line+s.lineSize; i++ {
		if s.table[i].hash == info.hash {
			n := uint64(i - line + 1)
			s.lookups += n
			s.lookups2 += n * n
			return Accessor(i)
		}
	}
	return AccessorEnd
}

// LookupEmpty returns the first empty slot of info's line, or AccessorEnd.
func (s *Store) LookupEmpty(info *PacketInfo) Accessor {
	line := s.lineOf(info.hash)
	for i := line; i < line+s.lineSize; i++ {
		if s.table[i].Empty() {
			return Accessor(i)
		}
	}
	return AccessorEnd
}

// Free returns the line's LRU victim: the slot at the end of the line.
func (s *Store) Free(info *PacketInfo) Accessor {
	return Accessor(s.lineOf(info.hash) + s.lineSize - 1)
}

// Put promotes the slot at acc to the head of its line by rotating the line
// pointers and returns the accessor of the new head.
func (s *Store) Put(acc Accessor) Accessor {
	line := Accessor(uint32(acc) & s.lineMask)
	rec := s.table[acc]
	copy(s.table[line+1:acc+1], s.table[line:acc])
	s.table[line] = rec
	return line
}

// IndexExport hands the record at acc to the export queue, installs the
// empty record received in exchange at the same position and returns acc.
func (s *Store) IndexExport(acc Accessor, q *ExportQueue) Accessor {
	s.table[acc] = q.Put(s.table[acc])
	return acc
}

// LookupStats returns the accumulated lookup length sum and sum of squares,
// for hit-depth reporting.
func (s *Store) LookupStats() (lookups, lookups2 uint64) {
	return s.lookups, s.lookups2
}
