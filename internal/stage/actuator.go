package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perkell/syrinx/internal/actuator"
	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
)

const defaultGestureTimeout = 10 * time.Second

// GestureExecutor runs one pointer gesture on the user's device and reports
// the observed outcome. [actuator.Client] implements it.
type GestureExecutor interface {
	Perform(ctx context.Context, g actuator.Gesture) (actuator.Outcome, error)
}

var _ GestureExecutor = (*actuator.Client)(nil)

// ActuatorOption configures an Actuator.
type ActuatorOption func(*Actuator)

// WithGestureTimeout bounds each gesture execution. Default 10s.
func WithGestureTimeout(d time.Duration) ActuatorOption {
	return func(a *Actuator) { a.timeout = d }
}

// WithActuatorJoinTimeout bounds how long teardown waits for in-flight
// gestures before abandoning them.
func WithActuatorJoinTimeout(d time.Duration) ActuatorOption {
	return func(a *Actuator) { a.joinTimeout = d }
}

// WithActuatorLogger sets the actuator's logger.
func WithActuatorLogger(log *slog.Logger) ActuatorOption {
	return func(a *Actuator) { a.log = log }
}

// Actuator executes Action frames against the device's gesture tool and
// reports each outcome as an upstream Feedback frame, closing the behavioral
// reward loop without waiting on the device user.
//
// Every frame passes through unchanged, the Action included, so the
// transport can still show the suggestion to the user. Each gesture runs in
// its own goroutine carrying the request metadata into the Feedback frame.
// Execution failures are logged and produce no Feedback: a gesture that
// never ran says nothing about how the user received it.
type Actuator struct {
	exec        GestureExecutor
	timeout     time.Duration
	joinTimeout time.Duration
	log         *slog.Logger

	// Touched only from Process, which the pipeline calls sequentially.
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	wg sync.WaitGroup
}

var _ pipeline.Stage = (*Actuator)(nil)

// NewActuator builds an actuator stage over exec.
func NewActuator(exec GestureExecutor, opts ...ActuatorOption) *Actuator {
	a := &Actuator{
		exec:        exec,
		timeout:     defaultGestureTimeout,
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Actuator) Name() string { return "actuator" }

func (a *Actuator) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		out.Emit(f, dir)
		a.ctx, a.cancel = context.WithCancel(ctx)
	case frame.End, frame.Cancel:
		a.stop()
		out.Emit(f, dir)
	case frame.Action:
		out.Emit(f, dir)
		a.dispatch(ff, out)
	default:
		out.Emit(f, dir)
	}
	return nil
}

// dispatch starts one owned goroutine for the gesture. Actions arriving
// after teardown are dropped.
func (a *Actuator) dispatch(f frame.Action, out *pipeline.Emitter) {
	if a.stopped || a.ctx == nil || a.ctx.Err() != nil {
		a.log.Debug("dropping action, actuator stopped",
			"stage", a.Name(), "action_id", f.ActionID)
		return
	}
	a.wg.Add(1)
	go a.perform(a.ctx, f, out)
}

// perform runs one gesture and reports its outcome upstream as Feedback.
func (a *Actuator) perform(ctx context.Context, f frame.Action, out *pipeline.Emitter) {
	defer a.wg.Done()

	gctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	outcome, err := a.exec.Perform(gctx, actuator.Gesture{
		ActionID: f.ActionID,
		Start:    f.Start,
		End:      f.End,
	})
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("gesture execution failed",
				"stage", a.Name(), "action_id", f.ActionID, "error", err)
		}
		return
	}

	a.log.Debug("gesture executed",
		"stage", a.Name(), "action_id", f.ActionID,
		"success", outcome.Success, "user_delta", outcome.UserDelta)
	out.Emit(frame.Feedback{
		ActionID:  f.ActionID,
		Success:   outcome.Success,
		UserDelta: outcome.UserDelta,
		Metadata:  f.Metadata,
	}, frame.Upstream)
}

// stop cancels in-flight gestures and joins them within joinTimeout. A
// second control frame skips the join so an abandoned gesture cannot stall
// shutdown twice. Feedback from a gesture that completes during the join
// still travels ahead of the control frame.
func (a *Actuator) stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.joinTimeout):
		a.log.Warn("gestures did not stop within join timeout",
			"stage", a.Name(), "timeout", a.joinTimeout.String())
	}
}
