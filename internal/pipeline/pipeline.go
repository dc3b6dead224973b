// Package pipeline implements the ordered, bidirectional frame pipeline.
//
// A pipeline is a fixed sequence of stages. Each stage runs on its own
// goroutine and is connected to its neighbours by a pair of FIFO channels,
// one per direction, so delivery between adjacent stages preserves emission
// order per direction. Stage order is the declaration order: the agent brain
// sits at the head, the device transport at the tail. Frames travelling
// downstream move head to tail, upstream frames move tail to head.
//
// Lifecycle: Run broadcasts a Start frame through every stage in declaration
// order before any data frame circulates, then blocks until the pipeline
// ends. Stop injects an End frame that sweeps all in-flight downstream data
// ahead of itself before shutting each stage down in turn. Cancel broadcasts
// a Cancel frame and enforces a bounded grace period after which any stage
// that has not shut down is abandoned and logged. All paths converge on
// StateEnded.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perkell/syrinx/internal/frame"
)

const (
	defaultBufferSize  = 64
	defaultCancelGrace = 5 * time.Second
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCancelGrace sets how long Cancel waits for stages to shut down before
// abandoning them.
func WithCancelGrace(d time.Duration) Option {
	return func(p *Pipeline) { p.grace = d }
}

// WithBufferSize sets the per-direction channel buffer between adjacent
// stages.
func WithBufferSize(n int) Option {
	return func(p *Pipeline) { p.bufSize = n }
}

// WithLogger sets the logger used for stage errors and dropped frames.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// Pipeline owns frame routing and lifecycle for an ordered set of stages.
// A Pipeline is single-use: construct, Run, and discard.
type Pipeline struct {
	stages  []Stage
	grace   time.Duration
	bufSize int
	log     *slog.Logger

	state atomic.Int32

	// dn[i] is the downstream input of stage i; dn[len(stages)] is the tail
	// sink drained by the pipeline. up[i+1] is the upstream input of stage
	// i; up[0] is the head sink. up[len(stages)] has no writer.
	dn []chan frame.Frame
	up []chan frame.Frame

	emitters   []*Emitter
	runnerDone []chan struct{}
	never      chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	g          *errgroup.Group
	headOnce   sync.Once
	stopOnce   sync.Once
	cancelOnce sync.Once
	finishOnce sync.Once
	done       chan struct{}

	errOnce  sync.Once
	firstErr error
}

// New builds a pipeline over stages in declaration order.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	p := &Pipeline{
		stages:  stages,
		grace:   defaultCancelGrace,
		bufSize: defaultBufferSize,
		log:     slog.Default(),
		done:    make(chan struct{}),
		never:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	n := len(stages)
	p.dn = make([]chan frame.Frame, n+1)
	p.up = make([]chan frame.Frame, n+1)
	for i := range p.dn {
		p.dn[i] = make(chan frame.Frame, p.bufSize)
		p.up[i] = make(chan frame.Frame, p.bufSize)
	}
	p.emitters = make([]*Emitter, n)
	p.runnerDone = make([]chan struct{}, n)
	for i := range stages {
		p.emitters[i] = &Emitter{p: p, idx: i, log: p.log}
		p.runnerDone[i] = make(chan struct{})
	}
	return p, nil
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Done is closed once the pipeline has reached StateEnded.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Run starts every stage, broadcasts Start, and blocks until the pipeline
// ends. It returns the first stage error, or nil when the pipeline stopped
// by request. Cancelling ctx cancels the pipeline with the usual grace
// semantics.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.advance(StateNotStarted, StateRunning) {
		return ErrAlreadyStarted
	}
	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	go p.drainSink(p.dn[len(p.stages)], "tail")
	go p.drainSink(p.up[0], "head")

	p.g = &errgroup.Group{}
	for i := range p.stages {
		p.g.Go(func() error {
			defer close(p.runnerDone[i])
			return p.runStage(i)
		})
	}
	go func() {
		err := p.g.Wait()
		if err != nil {
			p.recordErr(err)
		}
		p.finish()
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Cancel()
		case <-p.done:
		}
	}()

	p.dn[0] <- frame.Start{}

	<-p.done
	return p.firstErr
}

// Stop performs an orderly shutdown: it injects an End frame at the head,
// which sweeps in-flight downstream frames ahead of itself through every
// stage, and waits for the pipeline to end. If ctx expires first, Stop
// escalates to Cancel.
func (p *Pipeline) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		select {
		case p.dn[0] <- frame.End{}:
		case <-ctx.Done():
			p.Cancel()
			return
		case <-p.done:
			return
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			p.Cancel()
		}
	})
	<-p.done
}

// Cancel aborts the pipeline. A Cancel frame is broadcast so stages can
// release resources; any stage still running when the grace period expires
// is abandoned and logged. Cancel is idempotent and safe to call from any
// goroutine, including stage goroutines. It does not block.
func (p *Pipeline) Cancel() {
	if p.advance(StateNotStarted, StateEnded) {
		// Never ran; nothing to tear down.
		p.finish()
		return
	}
	if !p.advance(StateRunning, StateCancelling) {
		return
	}
	p.cancelOnce.Do(func() {
		// Deliver Cancel to every stage input in declaration order rather
		// than relying on stage-to-stage forwarding: a stage that already
		// failed must not shadow the stages behind it. Stages tolerate the
		// duplicate they may also receive from their neighbour because
		// teardown is idempotent.
		for i := range p.stages {
			select {
			case p.dn[i] <- frame.Cancel{}:
			default:
				// Input saturated; the grace timeout will handle this stage.
				p.log.Warn("cancel frame not injectable, relying on grace timeout",
					"stage", p.stages[i].Name())
			}
		}
		go func() {
			t := time.NewTimer(p.grace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				p.abandonStragglers()
				p.finish()
			}
		}()
	})
}

// advance moves the lifecycle from one state to a later one. It returns
// false when the pipeline is not in the expected state. States only move
// forward.
func (p *Pipeline) advance(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

func (p *Pipeline) finish() {
	p.finishOnce.Do(func() {
		for {
			s := p.State()
			if s == StateEnded {
				break
			}
			if p.state.CompareAndSwap(int32(s), int32(StateEnded)) {
				break
			}
		}
		if p.runCancel != nil {
			p.runCancel()
		}
		close(p.done)
	})
}

func (p *Pipeline) recordErr(err error) {
	p.errOnce.Do(func() { p.firstErr = err })
}

// runStage is the per-stage loop: it pulls frames from both directional
// inputs and hands them to Process. The loop terminates once the stage has
// processed End or Cancel (the stage has torn down and forwarded the signal
// by then), when its head input is closed, or when the pipeline force-stops.
func (p *Pipeline) runStage(i int) error {
	st := p.stages[i]
	em := p.emitters[i]
	dnIn := p.dn[i]
	upIn := p.up[i+1]

	defer em.markClosed()

	for {
		select {
		case <-p.runCtx.Done():
			return nil
		case f := <-dnIn:
			if err := p.process(st, em, f, frame.Downstream); err != nil {
				return err
			}
			if isTerminal(f) {
				return nil
			}
		case f := <-upIn:
			if err := p.process(st, em, f, frame.Upstream); err != nil {
				return err
			}
			if isTerminal(f) {
				return nil
			}
		}
	}
}

func (p *Pipeline) process(st Stage, em *Emitter, f frame.Frame, dir frame.Direction) error {
	err := st.Process(p.runCtx, f, dir, em)
	if err == nil {
		return nil
	}
	werr := &StageError{Stage: st.Name(), Err: err}
	p.log.Error("stage error, cancelling pipeline",
		"stage", st.Name(), "frame", frame.Name(f), "error", err)
	p.recordErr(werr)
	go p.Cancel()
	return werr
}

func isTerminal(f frame.Frame) bool {
	switch f.(type) {
	case frame.End, frame.Cancel:
		return true
	default:
		return false
	}
}

// route delivers a frame emitted by stage `from` to its neighbour. Sends
// block while the receiver is alive and its buffer full; they are dropped
// once the receiver has shut down or the pipeline is force-stopping, which
// is what bounds teardown.
func (p *Pipeline) route(from int, f frame.Frame, dir frame.Direction) {
	var ch chan frame.Frame
	readerDone := p.never
	if dir == frame.Downstream {
		ch = p.dn[from+1]
		if from+1 < len(p.stages) {
			readerDone = p.runnerDone[from+1]
		}
	} else {
		ch = p.up[from]
		if from > 0 {
			readerDone = p.runnerDone[from-1]
		}
	}
	select {
	case ch <- f:
	case <-readerDone:
		p.log.Debug("dropping frame, receiving stage already shut down",
			"from", p.stages[from].Name(), "frame", frame.Name(f), "direction", dir.String())
	case <-p.runCtx.Done():
	}
}

// drainSink consumes frames that fall off either end of the pipeline.
// The tail stage normally consumes all downstream frames and the head stage
// all upstream ones, so anything arriving here is logged at debug.
func (p *Pipeline) drainSink(ch chan frame.Frame, end string) {
	for {
		select {
		case <-p.runCtx.Done():
			return
		case f := <-ch:
			if !frame.IsControl(f) {
				p.log.Debug("frame left the pipeline", "end", end, "frame", frame.Name(f))
			}
		}
	}
}

// abandonStragglers logs every stage that failed to shut down within the
// grace period, then releases their goroutines' blocking operations by
// cancelling the run context. A stage stuck beyond that is leaked; reaching
// StateEnded must not depend on it.
func (p *Pipeline) abandonStragglers() {
	for i, d := range p.runnerDone {
		select {
		case <-d:
		default:
			p.log.Warn("forcibly abandoning stage after cancel grace period",
				"stage", p.stages[i].Name(), "grace", p.grace.String())
		}
	}
}
