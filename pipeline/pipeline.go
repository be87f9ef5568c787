// Package pipeline runs one shared-nothing exporter pipeline: an input
// worker parsing raw frames, a storage worker owning exactly one flow cache,
// and an output worker feeding the configured encoders. Workers cooperate
// only through bounded rings; horizontal scaling is by running multiple
// pipelines over disjoint capture streams.
package pipeline

import (
	"fmt"
	"io"
	"log"

	"github.com/google/gopacket"

	"github.com/probelab/flowprobe/flows"
	"github.com/probelab/flowprobe/output"
	"github.com/probelab/flowprobe/packet"
)

// Source delivers raw frames from the capture collaborator. Read blocks
// until a frame is available and returns io.EOF when the stream ends. The
// returned buffer is only valid until the next Read call.
type Source interface {
	Read() (data []byte, ts packet.Time, first gopacket.LayerType, err error)
}

// WorkerResult is the one-shot completion report of a worker.
type WorkerResult struct {
	Name string
	Err  error
}

// packetBuffer owns the bytes backing one in-flight packet so the capture
// source can recycle its buffer as soon as Read returns.
type packetBuffer struct {
	pkt packet.Packet
	raw []byte
}

func (b *packetBuffer) assign(data []byte) []byte {
	if cap(b.raw) < len(data) {
		b.raw = make([]byte, len(data))
	}
	b.raw = b.raw[:len(data)]
	copy(b.raw, data)
	return b.raw
}

// packetRing is the input-to-storage ring: a bounded channel pair recycling
// preallocated packet buffers.
type packetRing struct {
	empty chan *packetBuffer
	full  chan *packetBuffer
}

func newPacketRing(size int) *packetRing {
	r := &packetRing{
		empty: make(chan *packetBuffer, size),
		full:  make(chan *packetBuffer, size),
	}
	for i := 0; i < size; i++ {
		r.empty <- &packetBuffer{raw: make([]byte, 0, 2048)}
	}
	return r
}

// Config sizes the rings of one pipeline.
type Config struct {
	InputQueueSize  int
	OutputQueueSize int
}

// DefaultConfig returns the default ring sizes.
func DefaultConfig() Config {
	return Config{InputQueueSize: 64, OutputQueueSize: 16384}
}

// Pipeline wires the three workers of one exporter instance.
type Pipeline struct {
	source  Source
	cache   *flows.Cache
	queue   *flows.ExportQueue
	outputs []output.Plugin
	ring    *packetRing
	results chan WorkerResult
}

// New builds a pipeline. The cache options and the process plugins fix the
// extension layout of every preallocated record.
func New(src Source, cacheCfg flows.CacheConfig, plugins []flows.ProcessPlugin, outputs []output.Plugin, cfg Config) (*Pipeline, error) {
	cacheSize, lineSize, err := cacheCfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("cache options: %w", err)
	}
	if cfg.InputQueueSize <= 0 || cfg.OutputQueueSize <= 0 {
		return nil, fmt.Errorf("queue sizes must be positive")
	}
	pl := flows.NewPipeline(plugins...)
	store := flows.NewStore(cacheSize, lineSize, pl.ExtCount())
	queue := flows.NewExportQueue(cfg.OutputQueueSize, pl.ExtCount())
	cache, err := flows.NewCache(cacheCfg, store, queue, pl)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		source:  src,
		cache:   cache,
		queue:   queue,
		outputs: outputs,
		ring:    newPacketRing(cfg.InputQueueSize),
		results: make(chan WorkerResult, 3),
	}, nil
}

// Cache exposes the storage worker's cache for statistics reporting.
func (p *Pipeline) Cache() *flows.Cache { return p.cache }

// Run starts the three workers and blocks until all of them finished. The
// first worker error is returned; shutdown propagates downstream: the input
// worker closes the packet ring, the storage worker runs the forced finish
// sweep and closes the export queue, the output worker drains it.
func (p *Pipeline) Run() error {
	go p.inputWorker()
	go p.storageWorker()
	go p.outputWorker()

	var firstErr error
	for i := 0; i < 3; i++ {
		res := <-p.results
		if res.Err != nil {
			log.Printf("%s worker: %v", res.Name, res.Err)
			if firstErr == nil {
				firstErr = res.Err
			}
		}
	}
	return firstErr
}

func (p *Pipeline) inputWorker() {
	var result WorkerResult
	result.Name = "input"
	defer func() {
		close(p.ring.full)
		p.results <- result
	}()

	var dec packet.Decoder
	for {
		data, ts, first, err := p.source.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			result.Err = fmt.Errorf("reading packets: %w", err)
			return
		}
		buf := <-p.ring.empty
		raw := buf.assign(data)
		if !dec.Decode(raw, first, ts, &buf.pkt) {
			// parse failures are dropped silently
			p.ring.empty <- buf
			continue
		}
		p.ring.full <- buf
	}
}

func (p *Pipeline) storageWorker() {
	defer func() {
		p.results <- WorkerResult{Name: "storage"}
	}()
	for buf := range p.ring.full {
		p.cache.PutPacket(&buf.pkt)
		p.ring.empty <- buf
	}
	p.cache.Finish()
	p.queue.Close()
}

func (p *Pipeline) outputWorker() {
	var result WorkerResult
	result.Name = "output"
	defer func() {
		for _, out := range p.outputs {
			if err := out.Finish(); err != nil && result.Err == nil {
				result.Err = err
			}
		}
		p.results <- result
	}()

	for rec := range p.queue.Flows() {
		for _, out := range p.outputs {
			if err := out.Export(rec); err != nil {
				log.Printf("output %s: %v", out.ID(), err)
			}
		}
		p.queue.Release(rec)
	}
}
