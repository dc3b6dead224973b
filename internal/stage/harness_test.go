package stage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
)

// received is one frame observed by the probe, with its travel direction.
type received struct {
	f   frame.Frame
	dir frame.Direction
}

// probe is a recording stage placed at the tail of test pipelines. It stands
// in for the device transport: it records every frame it sees, injects
// upstream frames through its retained emitter, and forwards control frames
// per the stage contract.
type probe struct {
	mu      sync.Mutex
	out     *pipeline.Emitter
	frames  []received
	onFrame func(frame.Frame, frame.Direction)

	seen      chan received
	startOnce sync.Once
	gotStart  chan struct{}
}

func newProbe() *probe {
	return &probe{
		seen:     make(chan received, 256),
		gotStart: make(chan struct{}),
	}
}

func (p *probe) Name() string { return "probe" }

func (p *probe) Process(_ context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	p.mu.Lock()
	if p.out == nil {
		p.out = out
	}
	hook := p.onFrame
	p.frames = append(p.frames, received{f, dir})
	p.mu.Unlock()

	if hook != nil {
		hook(f, dir)
	}
	if _, ok := f.(frame.Start); ok {
		p.startOnce.Do(func() { close(p.gotStart) })
	}
	select {
	case p.seen <- received{f, dir}:
	default:
	}
	if frame.IsControl(f) {
		out.Emit(f, dir)
	}
	return nil
}

// emitUpstream injects a frame travelling from the device side toward the
// head of the pipeline.
func (p *probe) emitUpstream(t *testing.T, f frame.Frame) {
	t.Helper()
	p.emit(t, f, frame.Upstream)
}

// emitDownstream injects a frame travelling toward the device.
func (p *probe) emitDownstream(t *testing.T, f frame.Frame) {
	t.Helper()
	p.emit(t, f, frame.Downstream)
}

func (p *probe) emit(t *testing.T, f frame.Frame, dir frame.Direction) {
	t.Helper()
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		t.Fatal("probe has not seen Start yet")
	}
	out.Emit(f, dir)
}

func (p *probe) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-p.gotStart:
	case <-time.After(3 * time.Second):
		t.Fatal("downstream stage never saw Start")
	}
}

// await consumes probe frames until one with the given name arrives.
func (p *probe) await(t *testing.T, name string, timeout time.Duration) received {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case r := <-p.seen:
			if frame.Name(r.f) == name {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", name)
		}
	}
}

// awaitNone asserts that no frame with the given name arrives within d.
func (p *probe) awaitNone(t *testing.T, name string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case r := <-p.seen:
			if frame.Name(r.f) == name {
				t.Fatalf("unexpected %s frame: %#v", name, r.f)
			}
		case <-deadline:
			return
		}
	}
}

// sawFrame reports whether the probe has recorded a frame with the given name.
func (p *probe) sawFrame(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.frames {
		if frame.Name(r.f) == name {
			return true
		}
	}
	return false
}

// startPipeline runs p in the background and registers a cleanup that cancels
// it and waits for it to end. The returned function blocks until the pipeline
// has ended and reports Run's error.
func startPipeline(t *testing.T, p *pipeline.Pipeline) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	var (
		once sync.Once
		res  error
	)
	wait := func() error {
		once.Do(func() {
			select {
			case res = <-errCh:
			case <-time.After(5 * time.Second):
				t.Fatal("pipeline did not end")
			}
		})
		return res
	}
	t.Cleanup(func() {
		p.Cancel()
		wait()
	})
	return wait
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
