package stage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/internal/resilience"
	"github.com/perkell/syrinx/internal/stage"
	"github.com/perkell/syrinx/pkg/provider/duplex"
	"github.com/perkell/syrinx/pkg/provider/duplex/mock"
)

func testSessionConfig() duplex.SessionConfig {
	return duplex.SessionConfig{
		SystemPrompt:     "you are a test agent",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	}
}

func newBridgePipeline(t *testing.T, b *stage.Bridge) (*pipeline.Pipeline, *probe, func() error) {
	t.Helper()
	pr := newProbe()
	p, err := pipeline.New([]pipeline.Stage{b, pr})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	wait := startPipeline(t, p)
	return p, pr, wait
}

func waitBridgeState(t *testing.T, b *stage.Bridge, want stage.ConnState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("bridge state = %s, want %s", b.State(), want)
}

func TestBridgeForwardsStartBeforeSessionReady(t *testing.T) {
	gate := make(chan struct{})
	prov := &mock.Provider{ProvisionGate: gate}
	b := stage.NewBridge(prov, testSessionConfig())

	_, pr, _ := newBridgePipeline(t, b)

	// Start must reach downstream stages while the session is still being
	// provisioned.
	pr.awaitStart(t)
	if prov.Dialed() {
		t.Fatal("bridge dialled before provisioning was released")
	}

	close(gate)
	waitBridgeState(t, b, stage.ConnStreaming)
}

func TestBridgeBuildsPromptPerSession(t *testing.T) {
	prov := &mock.Provider{Session: mock.NewSession()}
	var prompt atomic.Value
	prompt.Store("first prompt")
	b := stage.NewBridge(prov, testSessionConfig(),
		stage.WithPromptSource(func() string { return prompt.Load().(string) }))

	newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	calls := prov.Provisions()
	if len(calls) != 1 {
		t.Fatalf("got %d provision calls, want 1", len(calls))
	}
	if calls[0].Cfg.SystemPrompt != "first prompt" {
		t.Errorf("SystemPrompt = %q, want the prompt built at provision time", calls[0].Cfg.SystemPrompt)
	}
}

func TestBridgeSendsUpstreamAudioInOrder(t *testing.T) {
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig())

	_, pr, _ := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	chunk1 := bytes.Repeat([]byte{0x01}, 320)
	chunk2 := bytes.Repeat([]byte{0x02}, 320)
	pr.emitUpstream(t, frame.Audio{Data: chunk1, SampleRate: 16000, Channels: 1})
	pr.emitUpstream(t, frame.Audio{Data: chunk2, SampleRate: 16000, Channels: 1})

	waitFor(t, "two sends", func() bool { return len(sess.Sends()) == 2 })
	sends := sess.Sends()
	if !bytes.Equal(sends[0], chunk1) {
		t.Errorf("first send = %d bytes, want chunk1 verbatim", len(sends[0]))
	}
	if !bytes.Equal(sends[1], chunk2) {
		t.Errorf("second send = %d bytes, want chunk2 verbatim", len(sends[1]))
	}
}

func TestBridgeDropsAudioBeforeStreaming(t *testing.T) {
	gate := make(chan struct{})
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess, ProvisionGate: gate}
	b := stage.NewBridge(prov, testSessionConfig())

	_, pr, _ := newBridgePipeline(t, b)
	pr.awaitStart(t)

	pr.emitUpstream(t, frame.Audio{Data: make([]byte, 320), SampleRate: 16000, Channels: 1})
	time.Sleep(20 * time.Millisecond)
	close(gate)
	waitBridgeState(t, b, stage.ConnStreaming)

	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Sends()); n != 0 {
		t.Fatalf("got %d sends, want 0: audio before the session is streaming must be dropped", n)
	}
}

func TestBridgeEmitsRemoteAudioDownstream(t *testing.T) {
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig())

	_, pr, _ := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	pcm := bytes.Repeat([]byte{0xAB}, 640)
	sess.AudioCh <- pcm

	r := pr.await(t, "audio", 3*time.Second)
	if r.dir != frame.Downstream {
		t.Errorf("direction = %s, want downstream", r.dir)
	}
	a := r.f.(frame.Audio)
	if !bytes.Equal(a.Data, pcm) {
		t.Errorf("got %d bytes, want the 640-byte chunk verbatim", len(a.Data))
	}
	if a.SampleRate != 24000 || a.Channels != 1 {
		t.Errorf("format = %d Hz, %d ch, want 24000 Hz mono", a.SampleRate, a.Channels)
	}
	pr.awaitNone(t, "audio", 100*time.Millisecond)
}

func TestBridgeMapsSessionEvents(t *testing.T) {
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig())

	_, pr, _ := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	sess.EventCh <- duplex.Event{Type: duplex.EventTranscript, Role: "user", Text: "tap the", Final: false}
	sess.EventCh <- duplex.Event{Type: duplex.EventTranscript, Role: "user", Text: "tap the settings icon", Final: true}
	sess.EventCh <- duplex.Event{Type: duplex.EventTranscript, Role: "agent", Text: "Tapping", Final: false}
	sess.EventCh <- duplex.Event{Type: duplex.EventTranscript, Role: "agent", Text: "Tapping settings now.", Final: true}
	sess.EventCh <- duplex.Event{Type: duplex.EventAgentText, Text: "Done."}

	r := pr.await(t, "transcript", 3*time.Second)
	tr := r.f.(frame.Transcript)
	if tr.Text != "tap the" || tr.Final {
		t.Errorf("first transcript = %+v, want the partial", tr)
	}
	r = pr.await(t, "transcript", 3*time.Second)
	tr = r.f.(frame.Transcript)
	if tr.Text != "tap the settings icon" || !tr.Final {
		t.Errorf("second transcript = %+v, want the final", tr)
	}
	r = pr.await(t, "generated", 3*time.Second)
	if g := r.f.(frame.Generated); g.Text != "Tapping settings now." {
		t.Errorf("generated = %q, want the final agent utterance, not the delta", g.Text)
	}
	r = pr.await(t, "generated", 3*time.Second)
	if g := r.f.(frame.Generated); g.Text != "Done." {
		t.Errorf("generated = %q, want %q", g.Text, "Done.")
	}
	// Text events must never synthesize audio frames.
	pr.awaitNone(t, "audio", 100*time.Millisecond)
}

func TestBridgeStopTearsDownBeforeForwardingEnd(t *testing.T) {
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig())

	pr := newProbe()
	var (
		stateAtEnd  stage.ConnState
		closedAtEnd bool
	)
	pr.onFrame = func(f frame.Frame, _ frame.Direction) {
		if _, ok := f.(frame.End); ok {
			stateAtEnd = b.State()
			closedAtEnd = sess.Closed()
		}
	}
	p, err := pipeline.New([]pipeline.Stage{b, pr})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	wait := startPipeline(t, p)
	waitBridgeState(t, b, stage.ConnStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Stop(ctx)

	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if !closedAtEnd {
		t.Error("End was forwarded before the session was closed")
	}
	if stateAtEnd != stage.ConnClosed {
		t.Errorf("bridge state when End was forwarded = %s, want closed", stateAtEnd)
	}
}

func TestBridgeCancelBeforeSessionReady(t *testing.T) {
	gate := make(chan struct{})
	prov := &mock.Provider{ProvisionGate: gate}
	b := stage.NewBridge(prov, testSessionConfig())

	p, pr, wait := newBridgePipeline(t, b)
	pr.awaitStart(t)

	p.Cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	waitBridgeState(t, b, stage.ConnClosed)
	if prov.Dialed() {
		t.Error("bridge dialled a session after cancel")
	}
}

func TestBridgeProvisionFailureDoesNotFailPipeline(t *testing.T) {
	prov := &mock.Provider{
		ProvisionErr: fmt.Errorf("%w: quota exhausted", duplex.ErrSessionCreation),
	}
	b := stage.NewBridge(prov, testSessionConfig())

	p, pr, wait := newBridgePipeline(t, b)
	pr.awaitStart(t)

	waitBridgeState(t, b, stage.ConnClosed)
	if got := p.State(); got != pipeline.StateRunning {
		t.Fatalf("pipeline state = %v, want running: a bridge failure must not cancel the pipeline", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Stop(ctx)
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if !pr.sawFrame("end") {
		t.Error("End never reached the downstream stage; a closed bridge must still propagate control frames")
	}
}

func TestBridgeConnectionLossClosesBridgeOnly(t *testing.T) {
	sess := mock.NewSession()
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig())

	p, pr, wait := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	sess.CloseRemote(errors.New("connection reset"))
	waitBridgeState(t, b, stage.ConnClosed)

	if got := p.State(); got != pipeline.StateRunning {
		t.Fatalf("pipeline state = %v, want running", got)
	}
	pr.emitUpstream(t, frame.Audio{Data: make([]byte, 320), SampleRate: 16000, Channels: 1})
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Sends()); n != 0 {
		t.Fatalf("audio was sent after the connection dropped: %d sends", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Stop(ctx)
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestBridgeRedialsAfterConnectionLoss(t *testing.T) {
	sess1 := mock.NewSession()
	sess2 := mock.NewSession()
	prov := &mock.Provider{SessionQueue: []*mock.Session{sess1, sess2}}
	var prompt atomic.Value
	prompt.Store("first")
	b := stage.NewBridge(prov, testSessionConfig(),
		stage.WithPromptSource(func() string { return prompt.Load().(string) }),
		stage.WithRedial(resilience.BackoffPolicy{
			MaxRetries: 3,
			Initial:    5 * time.Millisecond,
			Max:        10 * time.Millisecond,
		}))

	_, pr, _ := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	prompt.Store("second")
	sess1.CloseRemote(errors.New("connection reset"))

	waitFor(t, "second dial", func() bool { return prov.DialCount() == 2 })
	waitBridgeState(t, b, stage.ConnStreaming)

	pr.emitUpstream(t, frame.Audio{Data: bytes.Repeat([]byte{0x07}, 320), SampleRate: 16000, Channels: 1})
	waitFor(t, "send on redialled session", func() bool { return len(sess2.Sends()) == 1 })
	if n := len(sess1.Sends()); n != 0 {
		t.Errorf("old session received %d sends after the drop", n)
	}

	calls := prov.Provisions()
	if len(calls) != 2 {
		t.Fatalf("got %d provision calls, want 2", len(calls))
	}
	if calls[1].Cfg.SystemPrompt != "second" {
		t.Errorf("redial SystemPrompt = %q, want the freshly rebuilt prompt", calls[1].Cfg.SystemPrompt)
	}
}

func TestBridgeCancelDuringBlockedSend(t *testing.T) {
	sess := mock.NewSession()
	// Unbuffered and undrained: SendAudio blocks, simulating a send in
	// flight on a stalled connection.
	sess.Sent = make(chan []byte)
	prov := &mock.Provider{Session: sess}
	b := stage.NewBridge(prov, testSessionConfig(),
		stage.WithJoinTimeout(50*time.Millisecond))

	p, pr, wait := newBridgePipeline(t, b)
	waitBridgeState(t, b, stage.ConnStreaming)

	pr.emitUpstream(t, frame.Audio{Data: bytes.Repeat([]byte{0x01}, 320), SampleRate: 16000, Channels: 1})
	waitFor(t, "send in flight", func() bool { return len(sess.Sends()) == 1 })

	p.Cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if !sess.Closed() {
		t.Error("session not closed after cancel")
	}
	if b.State() != stage.ConnClosed {
		t.Errorf("bridge state = %s, want closed", b.State())
	}

	// Release the goroutine abandoned mid-send, then confirm nothing further
	// was handed to the session.
	<-sess.Sent
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Sends()); n != 1 {
		t.Fatalf("got %d sends, want exactly the one in flight at cancel", n)
	}
}
