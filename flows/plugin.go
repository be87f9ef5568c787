package flows

import (
	"log"

	"github.com/probelab/flowprobe/packet"
)

// Action is the bit set a plugin hook returns to request cache actions.
// Hook results of all plugins are OR-ed together; any set flush bit runs the
// flush protocol.
type Action int

const (
	// ActionFlush exports the current flow with reason ForcedEnd.
	ActionFlush Action = 1 << iota
	// ActionReinsert, combined with ActionFlush, re-seeds the slot with the
	// exported flow's key after the export.
	ActionReinsert
	// ActionTerminate, combined with ActionFlush, re-enters packet
	// processing after the export so the packet opens a fresh flow.
	ActionTerminate
	// ActionInvalid from PreCreate drops the packet. From other hooks it
	// marks plugin failure: the flow is exported with reason
	// LackOfResources and the plugin's extension is dropped.
	ActionInvalid

	ActionOK                Action = 0
	ActionFlushWithReinsert        = ActionFlush | ActionReinsert
	ActionTerminateFlow            = ActionFlush | ActionTerminate
)

// ProcessPlugin enriches flows with protocol-specific metadata. Plugins are
// instantiated once per storage worker and invoked in registration order at
// the five packet lifecycle hooks. Hooks must not block, must not call into
// the store, and must not touch state shared with other workers.
type ProcessPlugin interface {
	Name() string
	// BindExtension assigns the plugin its extension id at pipeline
	// construction.
	BindExtension(id int)
	PreCreate(pkt *packet.Packet) Action
	PostCreate(rec *FlowRecord, pkt *packet.Packet) Action
	PreUpdate(rec *FlowRecord, pkt *packet.Packet) Action
	PostUpdate(rec *FlowRecord, pkt *packet.Packet) Action
	PreExport(rec *FlowRecord)
}

// ExtensionSlot implements extension-id binding for embedding in plugins.
type ExtensionSlot struct {
	id int
}

// BindExtension stores the pipeline-assigned extension id.
func (e *ExtensionSlot) BindExtension(id int) { e.id = id }

// ExtID returns the bound extension id.
func (e *ExtensionSlot) ExtID() int { return e.id }

// Pipeline is an ordered set of process plugins bound to one storage worker.
// Extension ids are the plugin positions; building the pipeline is the only
// registration step, there is no global plugin state.
type Pipeline struct {
	plugins []ProcessPlugin
}

// NewPipeline binds the given plugins, assigning extension ids in order.
func NewPipeline(plugins ...ProcessPlugin) *Pipeline {
	for i, p := range plugins {
		p.BindExtension(i)
	}
	return &Pipeline{plugins: plugins}
}

// ExtCount returns the number of extension ids records must carry.
func (pl *Pipeline) ExtCount() int { return len(pl.plugins) }

// call brackets one hook invocation so a plugin panic on a malformed packet
// cannot corrupt cache state. A recovered panic counts as plugin failure.
// On plugin failure (a panic or an explicit ActionInvalid) the plugin's
// extension is detached from rec.
func (pl *Pipeline) call(idx int, rec *FlowRecord, hook func() Action) (ret Action) {
	defer func() {
		if err := recover(); err != nil {
			log.Printf("process plugin %s: recovered: %v", pl.plugins[idx].Name(), err)
			if rec != nil {
				rec.RemoveExtension(idx)
			}
			ret = ActionInvalid
		}
	}()
	ret = hook()
	if ret&ActionInvalid != 0 && rec != nil {
		rec.RemoveExtension(idx)
	}
	return ret
}

// PreCreate runs before key derivation. ActionInvalid drops the packet.
func (pl *Pipeline) PreCreate(pkt *packet.Packet) (ret Action) {
	for i, p := range pl.plugins {
		p := p
		ret |= pl.call(i, nil, func() Action { return p.PreCreate(pkt) })
	}
	return
}

// PostCreate runs after a flow record is initialized from its first packet.
func (pl *Pipeline) PostCreate(rec *FlowRecord, pkt *packet.Packet) (ret Action) {
	for i, p := range pl.plugins {
		p := p
		ret |= pl.call(i, rec, func() Action { return p.PostCreate(rec, pkt) })
	}
	return
}

// PreUpdate runs before a packet is folded into an existing flow.
func (pl *Pipeline) PreUpdate(rec *FlowRecord, pkt *packet.Packet) (ret Action) {
	for i, p := range pl.plugins {
		p := p
		ret |= pl.call(i, rec, func() Action { return p.PreUpdate(rec, pkt) })
	}
	return
}

// PostUpdate runs after a packet was folded into an existing flow.
func (pl *Pipeline) PostUpdate(rec *FlowRecord, pkt *packet.Packet) (ret Action) {
	for i, p := range pl.plugins {
		p := p
		ret |= pl.call(i, rec, func() Action { return p.PostUpdate(rec, pkt) })
	}
	return
}

// PreExport runs exactly once per flow, immediately before it enters the
// export queue.
func (pl *Pipeline) PreExport(rec *FlowRecord) {
	for i, p := range pl.plugins {
		p := p
		pl.call(i, rec, func() Action { p.PreExport(rec); return ActionOK })
	}
}
