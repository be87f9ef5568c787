// Package output defines the encoder-side plugin contract. The output
// worker hands every completed flow to each configured plugin and returns
// the record slot to the export queue afterwards; plugins must not retain
// the record past the Export call.
package output

import (
	"github.com/probelab/flowprobe/flows"
)

// Plugin encodes completed flow records for one downstream sink.
type Plugin interface {
	ID() string
	Export(rec *flows.FlowRecord) error
	// Finish flushes and closes the sink. Called once after the export
	// queue drained.
	Finish() error
}
