package flows

import (
	"github.com/probelab/flowprobe/packet"
)

// CacheStats counts cache events since construction.
type CacheStats struct {
	Hits    uint64
	Empty   uint64
	Misses  uint64
	Expired uint64
	Flushed uint64
}

// Cache is the per-packet orchestrator: it derives keys, matches biflows,
// applies the timeout policy, dispatches the plugin pipeline and runs the
// export protocol. One Cache is owned by exactly one storage worker and is
// not safe for concurrent use.
type Cache struct {
	store    *Store
	queue    *ExportQueue
	pipeline *Pipeline

	active      int64
	inactive    int64
	timeoutStep uint32
	timeoutIdx  uint32
	splitBiflow bool

	stats CacheStats
}

// NewCache wires a cache from validated options. The store and queue slot
// pools must have been built with the pipeline's extension count.
func NewCache(cfg CacheConfig, store *Store, queue *ExportQueue, pipeline *Pipeline) (*Cache, error) {
	if _, _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		store:       store,
		queue:       queue,
		pipeline:    pipeline,
		active:      cfg.ActiveTimeout,
		inactive:    cfg.InactiveTimeout,
		timeoutStep: cfg.TimeoutStep,
		splitBiflow: cfg.SplitBiflow,
	}, nil
}

// Stats returns the event counters.
func (c *Cache) Stats() CacheStats { return c.stats }

// PutPacket processes one parsed packet against the cache.
func (c *Cache) PutPacket(pkt *packet.Packet) {
	if c.pipeline.PreCreate(pkt)&ActionInvalid != 0 {
		return
	}
	info := c.store.Prepare(pkt, false)
	if !info.Valid() {
		return
	}
	c.putPacket(pkt, &info)
	c.sweepExpired(pkt.TS.Sec)
}

func (c *Cache) putPacket(pkt *packet.Packet, info *PacketInfo) {
	source := true
	acc := c.store.Lookup(info)

	if acc == AccessorEnd && !c.splitBiflow {
		infoInv := c.store.Prepare(pkt, true)
		if a := c.store.Lookup(&infoInv); a != AccessorEnd {
			*info = infoInv
			acc = a
			source = false
		}
	}

	if acc == AccessorEnd {
		c.stats.Misses++
		acc = c.store.LookupEmpty(info)
		if acc == AccessorEnd {
			// line full, evict its LRU victim
			acc = c.exportAcc(c.store.Free(info), FlowEndReasonLackOfResources)
		}
	} else {
		c.stats.Hits++
	}

	pkt.SourcePkt = source
	acc = c.store.Put(acc)
	rec := c.store.Record(acc)

	if rec.Empty() {
		c.stats.Empty++
		rec.Create(pkt, info.Hash())
		ret := c.pipeline.PostCreate(rec, pkt)
		if ret&ActionInvalid != 0 {
			c.exportAcc(acc, FlowEndReasonLackOfResources)
			return
		}
		if ret&ActionFlush != 0 {
			c.flush(pkt, acc, ret, source)
		}
		return
	}

	// TCP restart: a SYN against a flow that already saw FIN or RST in the
	// matching direction ends the old flow and opens a fresh one.
	flags := rec.SrcTCPFlags
	if !source {
		flags = rec.DstTCPFlags
	}
	if pkt.TCPFlags&packet.TCPSyn != 0 && flags&(packet.TCPFin|packet.TCPRst) != 0 {
		c.exportAcc(acc, FlowEndReasonEnd)
		c.putPacket(pkt, info)
		return
	}

	if pkt.TS.Sec-rec.TimeLast.Sec >= c.inactive {
		c.stats.Expired++
		c.exportAcc(acc, FlowEndReasonIdle)
		c.putPacket(pkt, info)
		return
	}

	ret := c.pipeline.PreUpdate(rec, pkt)
	if ret&ActionInvalid != 0 {
		c.exportAcc(acc, FlowEndReasonLackOfResources)
		c.putPacket(pkt, info)
		return
	}
	if ret&ActionFlush != 0 {
		c.flush(pkt, acc, ret, source)
		return
	}

	rec.Update(pkt, source)

	ret = c.pipeline.PostUpdate(rec, pkt)
	if ret&ActionInvalid != 0 {
		c.exportAcc(acc, FlowEndReasonLackOfResources)
		return
	}
	if ret&ActionFlush != 0 {
		c.flush(pkt, acc, ret, source)
		return
	}

	if pkt.TS.Sec-rec.TimeFirst.Sec >= c.active {
		c.stats.Expired++
		c.exportAcc(acc, FlowEndReasonActive)
	}
}

// flush runs the plugin-requested export protocol. With ActionReinsert the
// slot is re-seeded with the exported flow's key and the packet re-applied,
// so a plugin can split a flow at a protocol boundary. With ActionTerminate
// the whole per-packet procedure is re-entered.
func (c *Cache) flush(pkt *packet.Packet, acc Accessor, ret Action, source bool) {
	c.stats.Flushed++
	if ret&ActionReinsert != 0 {
		seed := c.store.Record(acc).Seed()
		acc = c.exportAcc(acc, FlowEndReasonForcedEnd)
		rec := c.store.Record(acc)
		rec.Reseed(seed)
		rec.Update(pkt, source)
		ret = c.pipeline.PostCreate(rec, pkt)
		if ret&ActionFlush != 0 {
			c.flush(pkt, acc, ret, source)
		}
		return
	}
	c.exportAcc(acc, FlowEndReasonForcedEnd)
	if ret&ActionTerminate != 0 {
		c.PutPacket(pkt)
	}
}

// exportAcc finalizes the record at acc, hands it to the export queue and
// returns the accessor of the fresh empty record installed in its place.
// Once it returns, the slot holds an empty record; the exported record is
// owned by the queue and must not be touched again.
func (c *Cache) exportAcc(acc Accessor, reason FlowEndReason) Accessor {
	rec := c.store.Record(acc)
	rec.EndReason = reason
	c.pipeline.PreExport(rec)
	return c.store.IndexExport(acc, c.queue)
}

// sweepExpired covers timeoutStep slots of the table per call, exporting any
// visited flow idle longer than the inactive timeout. The cursor wraps.
func (c *Cache) sweepExpired(nowSec int64) {
	size := c.store.Size()
	for i := uint32(0); i < c.timeoutStep; i++ {
		idx := (c.timeoutIdx + i) & (size - 1)
		rec := c.store.Record(Accessor(idx))
		if !rec.Empty() && nowSec-rec.TimeLast.Sec >= c.inactive {
			c.stats.Expired++
			c.exportAcc(Accessor(idx), FlowEndReasonIdle)
		}
	}
	c.timeoutIdx = (c.timeoutIdx + c.timeoutStep) & (size - 1)
}

// Finish force-exports every non-empty slot. Called once on shutdown after
// the last packet was processed.
func (c *Cache) Finish() {
	size := c.store.Size()
	for i := uint32(0); i < size; i++ {
		if !c.store.Record(Accessor(i)).Empty() {
			c.stats.Expired++
			c.exportAcc(Accessor(i), FlowEndReasonForcedEnd)
		}
	}
}
