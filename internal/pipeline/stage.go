package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/perkell/syrinx/internal/frame"
)

// Stage is a single processing step in the pipeline.
//
// Process reacts to one inbound frame: it may emit zero or more frames in
// either direction through out, perform side effects, or both. Process must
// not block on I/O; a stage that needs network or disk work runs it in
// goroutines it owns and emits results through the retained emitter. The
// pipeline calls Process sequentially per stage, so implementations need no
// locking around state touched only from Process.
//
// Control frames carry extra obligations. Every stage must forward Start,
// End and Cancel in their inbound direction. Pass-through stages forward
// before reacting. Resource-owning stages forward Start immediately and
// perform their setup in the background; on End or Cancel they tear down
// their resources, joining owned goroutines within a bounded time, and then
// forward. After a stage has processed End or Cancel it must not emit
// further non-control frames.
type Stage interface {
	// Name identifies the stage in logs and error messages.
	Name() string

	Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *Emitter) error
}

// Emitter routes frames emitted by one stage to its neighbours. The same
// emitter instance is passed to every Process call of a stage and remains
// valid for the pipeline's lifetime, so resource-owning stages may retain it
// and emit from goroutines they own. Emit is safe for concurrent use.
type Emitter struct {
	p      *Pipeline
	idx    int
	log    *slog.Logger
	closed atomic.Bool
}

// Emit delivers f to the adjacent stage in the given direction. Frames
// emitted downstream by the last stage or upstream by the first leave the
// pipeline and are discarded. Emit blocks only while the receiving stage is
// alive and its buffer is full; once the pipeline is tearing down, late
// emissions are dropped.
func (e *Emitter) Emit(f frame.Frame, dir frame.Direction) {
	if e.closed.Load() {
		e.log.Debug("dropping frame emitted after stage shutdown",
			"stage", e.p.stages[e.idx].Name(), "frame", frame.Name(f), "direction", dir.String())
		return
	}
	e.p.route(e.idx, f, dir)
}

// markClosed flips the emitter into drop mode. Called by the stage runner
// once the stage has processed its terminal control frame.
func (e *Emitter) markClosed() { e.closed.Store(true) }
