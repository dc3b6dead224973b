package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/engine"
	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/knowledge"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/pkg/provider/duplex"
	duplexmock "github.com/perkell/syrinx/pkg/provider/duplex/mock"
	"github.com/perkell/syrinx/pkg/provider/llm"
	llmmock "github.com/perkell/syrinx/pkg/provider/llm/mock"
	"github.com/perkell/syrinx/pkg/provider/stt"
	sttmock "github.com/perkell/syrinx/pkg/provider/stt/mock"
	ttsmock "github.com/perkell/syrinx/pkg/provider/tts/mock"
)

// received is one frame observed by the tail probe.
type received struct {
	f   frame.Frame
	dir frame.Direction
}

// probe stands in for the device transport at the tail of assembled
// pipelines.
type probe struct {
	mu  sync.Mutex
	out *pipeline.Emitter

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
	p.mu.Unlock()

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

func (p *probe) emitUpstream(t *testing.T, f frame.Frame) {
	t.Helper()
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		t.Fatal("probe has not seen Start yet")
	}
	out.Emit(f, frame.Upstream)
}

func (p *probe) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-p.gotStart:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline never started")
	}
}

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

func runPipeline(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not end")
		}
	})
}

func TestParseMode(t *testing.T) {
	if m, err := engine.ParseMode("bridge"); err != nil || m != engine.ModeBridge {
		t.Errorf("ParseMode(bridge) = %v, %v", m, err)
	}
	if m, err := engine.ParseMode("cascade"); err != nil || m != engine.ModeCascade {
		t.Errorf("ParseMode(cascade) = %v, %v", m, err)
	}
	if _, err := engine.ParseMode("telepathy"); err == nil {
		t.Error("ParseMode accepted an unknown mode")
	}
}

func TestNewRejectsIncompleteDeps(t *testing.T) {
	shared := knowledge.NewSharedContext()

	if _, err := engine.New(engine.ModeBridge, engine.Deps{Shared: shared}); err == nil {
		t.Error("bridge mode without a duplex provider was accepted")
	}

	_, err := engine.New(engine.ModeCascade, engine.Deps{Shared: shared})
	if err == nil {
		t.Fatal("cascade mode without providers was accepted")
	}
	for _, want := range []string{"stt", "llm", "tts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name the missing %s provider", err, want)
		}
	}

	if _, err := engine.New(engine.ModeBridge, engine.Deps{Duplex: &duplexmock.Provider{}}); err == nil {
		t.Error("missing shared context was accepted")
	}
}

func TestCascadePipelineAnswersTypedInput(t *testing.T) {
	sess := &sttmock.Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
	deps := engine.Deps{
		Shared:    knowledge.NewSharedContext(),
		Prompt:    func() string { return "persona" },
		STT:       &sttmock.Provider{Session: sess},
		STTConfig: stt.StreamConfig{SampleRate: 16000, Channels: 1},
		LLM: &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "the answer"},
		},
		TTS: &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 320)}},
	}
	e, err := engine.New(engine.ModeCascade, deps)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	tail := newProbe()
	p, err := e.Pipeline(tail)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	runPipeline(t, p)
	tail.awaitStart(t)

	// A typed question travels up the whole chain and comes back as both a
	// caption and synthesized speech.
	tail.emitUpstream(t, frame.Transcript{Text: "what is the answer", Final: true})

	r := tail.await(t, "generated", 3*time.Second)
	if got := r.f.(frame.Generated).Text; got != "the answer" {
		t.Errorf("caption = %q, want the completion text", got)
	}
	r = tail.await(t, "audio", 3*time.Second)
	if len(r.f.(frame.Audio).Data) != 320 {
		t.Errorf("audio = %d bytes, want the synthesized chunk", len(r.f.(frame.Audio).Data))
	}
}

func TestSetTriggersAppliesToNewPipelines(t *testing.T) {
	shared := knowledge.NewSharedContext()
	e, err := engine.New(engine.ModeBridge, engine.Deps{
		Shared:        shared,
		Duplex:        &duplexmock.Provider{Session: duplexmock.NewSession()},
		ResetTriggers: []string{"wipe slate"},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	e.SetTriggers(nil, []string{"clean slate"})

	tail := newProbe()
	p, err := e.Pipeline(tail)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	runPipeline(t, p)
	tail.awaitStart(t)

	shared.SetKnowledge("stale notes")
	tail.emitUpstream(t, frame.Transcript{Text: "clean slate", Final: true})

	deadline := time.Now().Add(3 * time.Second)
	for shared.Knowledge() != "" && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := shared.Knowledge(); got != "" {
		t.Fatalf("knowledge = %q, want cleared by the swapped reset trigger", got)
	}
}

func TestBridgePipelineRelaysSessionTraffic(t *testing.T) {
	sess := duplexmock.NewSession()
	prov := &duplexmock.Provider{
		Session:              sess,
		ProviderCapabilities: duplex.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000},
	}
	e, err := engine.New(engine.ModeBridge, engine.Deps{
		Shared: knowledge.NewSharedContext(),
		Duplex: prov,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	tail := newProbe()
	p, err := e.Pipeline(tail)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	runPipeline(t, p)
	tail.awaitStart(t)

	deadline := time.Now().Add(3 * time.Second)
	for !prov.Dialed() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !prov.Dialed() {
		t.Fatal("bridge never dialled the session")
	}

	sess.AudioCh <- make([]byte, 480)
	r := tail.await(t, "audio", 3*time.Second)
	a := r.f.(frame.Audio)
	if r.dir != frame.Downstream || a.SampleRate != 24000 {
		t.Errorf("audio = %d Hz travelling %s, want 24000 Hz downstream", a.SampleRate, r.dir)
	}

	sess.EventCh <- duplex.Event{Type: duplex.EventTranscript, Text: "hi", Role: "user", Final: true}
	r = tail.await(t, "transcript", 3*time.Second)
	if got := r.f.(frame.Transcript).Text; got != "hi" {
		t.Errorf("transcript = %q", got)
	}
}
