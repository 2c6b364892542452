package engine

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ivlev/img2mind/internal/target"
)

// State is the lifecycle position of one batch item.
type State string

const (
	StatePending     State = "pending"
	StateNormalizing State = "normalizing"
	StateCompiling   State = "compiling"
	StateRendering   State = "rendering"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Event reports a state transition of one item. Stage and Err are set only
// when State is StateFailed; Stage is the state the item failed in.
type Event struct {
	Index int
	Name  string
	State State
	Stage State
	Err   error
}

// Options are per-batch settings.
type Options struct {
	// Debug renders a feature overlay for every compiled item.
	Debug bool
	// OnEvent receives item state transitions. Calls are serialized.
	OnEvent func(Event)
}

// Result is one successfully compiled input.
type Result struct {
	Index        int    // position in the input sequence
	Name         string // file name minus extension
	Source       []byte // original file bytes
	Target       []byte // encoded artifact
	Artifact     *target.Artifact
	DebugOverlay []byte // PNG, nil unless Options.Debug
	Cached       bool
	Duration     time.Duration
}

// Failure is an input that dropped out of the batch.
type Failure struct {
	Index int
	Name  string
	Stage State
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed while %s: %v", f.Name, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Timings breaks down where a batch spent its time.
type Timings struct {
	Acquire time.Duration // waiting for the compute module
	Items   time.Duration // from first item start to last item end
	Total   time.Duration
}

// BatchResult holds the outcome of CompileAll. Results and Failures are both
// in input order.
type BatchResult struct {
	RunID        string
	ModuleDigest string
	Started      time.Time
	Timings      Timings
	Results      []*Result
	Failures     []*Failure
	// Skipped counts inputs never started because the context ended.
	Skipped int
}

// Err aggregates item failures, or returns nil when every item compiled.
func (b *BatchResult) Err() error {
	var merr *multierror.Error
	for _, f := range b.Failures {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}
