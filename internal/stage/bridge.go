// Package stage provides the pipeline stages of the voice agent: the duplex
// bridge to a remote speech-to-speech session, the behavioral reward
// processor, the spoken command filter, turn logging, the gesture actuator,
// and the cascade speech stages.
//
// Stages follow the pipeline.Stage contract: Process never blocks on I/O.
// Stages that talk to the network own goroutines for it and emit results
// through the retained emitter.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/observe"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/internal/resilience"
	"github.com/perkell/syrinx/pkg/provider/duplex"
)

const (
	defaultSendQueue   = 64
	defaultJoinTimeout = 2 * time.Second
)

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithPromptSource sets a function called at each session establishment to
// produce the system prompt, so a redialled session picks up the knowledge
// snippet and learned strategies current at that moment.
func WithPromptSource(fn func() string) BridgeOption {
	return func(b *Bridge) { b.prompt = fn }
}

// WithBreaker places a circuit breaker around session establishment.
func WithBreaker(cb *resilience.CircuitBreaker) BridgeOption {
	return func(b *Bridge) { b.breaker = cb }
}

// WithRedial makes the bridge re-establish a session that the remote end
// dropped, paced by p. Without this option a dropped connection closes the
// bridge.
func WithRedial(p resilience.BackoffPolicy) BridgeOption {
	return func(b *Bridge) { b.redial = &p }
}

// WithJoinTimeout bounds how long teardown waits for the bridge's goroutines
// before abandoning them.
func WithJoinTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.joinTimeout = d }
}

// WithBridgeLogger sets the bridge's logger.
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// WithBridgeMetrics records each session establishment attempt, its duration
// and outcome, labelled with the configured provider name.
func WithBridgeMetrics(m *observe.Metrics, provider string) BridgeOption {
	return func(b *Bridge) {
		b.metrics = m
		b.providerName = provider
	}
}

// Bridge connects the pipeline to a remote speech-to-speech session. It sends
// upstream audio to the session and re-emits the session's audio, transcripts
// and agent text as downstream frames, replacing the separate STT, LLM and
// TTS stages entirely.
//
// On Start the bridge forwards the frame immediately and establishes the
// session in the background; until the session is streaming, inbound audio is
// dropped. Session establishment failures and connection loss close the
// bridge but never fail the pipeline. On End or Cancel the bridge tears the
// session down, joins its goroutines within a bounded time, and then forwards
// the control frame.
type Bridge struct {
	provider     duplex.Provider
	cfg          duplex.SessionConfig
	prompt       func() string
	breaker      *resilience.CircuitBreaker
	redial       *resilience.BackoffPolicy
	joinTimeout  time.Duration
	metrics      *observe.Metrics
	providerName string
	log          *slog.Logger

	state  atomic.Int32
	sendCh chan []byte

	mu     sync.Mutex
	sess   duplex.Session
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ pipeline.Stage = (*Bridge)(nil)

// NewBridge builds a bridge over provider. Zero sample rates in cfg are
// filled from the provider's capabilities.
func NewBridge(provider duplex.Provider, cfg duplex.SessionConfig, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider:    provider,
		cfg:         cfg,
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
		sendCh:      make(chan []byte, defaultSendQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	caps := provider.Capabilities()
	if b.cfg.InputSampleRate == 0 {
		b.cfg.InputSampleRate = caps.InputSampleRate
	}
	if b.cfg.OutputSampleRate == 0 {
		b.cfg.OutputSampleRate = caps.OutputSampleRate
	}
	return b
}

func (b *Bridge) Name() string { return "duplex_bridge" }

// State reports the bridge's connection state.
func (b *Bridge) State() ConnState { return ConnState(b.state.Load()) }

func (b *Bridge) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		b.handleStart(ctx, f, dir, out)
	case frame.End:
		b.handleControl(f, dir, out)
	case frame.Cancel:
		b.handleControl(f, dir, out)
	case frame.Audio:
		if dir == frame.Upstream {
			b.enqueue(ff)
			return nil
		}
		out.Emit(f, dir)
	default:
		out.Emit(f, dir)
	}
	return nil
}

// handleStart forwards Start so downstream stages observe it before any
// session traffic, then establishes the session in the background.
func (b *Bridge) handleStart(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) {
	out.Emit(f, dir)
	if !b.state.CompareAndSwap(int32(ConnUnconnected), int32(ConnConnecting)) {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	b.wg.Add(1)
	go b.runSession(sctx, out)
}

// handleControl tears the session down and forwards the triggering frame.
// Teardown order: state moves to Closing, the receive loop is cancelled, the
// connection is closed, owned goroutines are joined within joinTimeout, state
// moves to Closed, and only then does the control frame travel on. A control
// frame arriving after the bridge is closed does no further teardown work.
func (b *Bridge) handleControl(f frame.Frame, dir frame.Direction, out *pipeline.Emitter) {
	if b.State() == ConnClosed {
		// Already torn down; propagate so the rest of the pipeline still
		// sees the signal.
		out.Emit(f, dir)
		return
	}
	b.teardown()
	b.waitOwned()
	b.state.Store(int32(ConnClosed))
	out.Emit(f, dir)
}

// enqueue hands one upstream audio chunk to the sender goroutine. Chunks
// arriving while the session is not streaming are dropped; a full send queue
// drops the chunk rather than stalling the pipeline.
func (b *Bridge) enqueue(a frame.Audio) {
	if s := b.State(); s != ConnStreaming {
		b.log.Debug("dropping audio, session not streaming",
			"stage", b.Name(), "state", s.String(), "bytes", len(a.Data))
		return
	}
	select {
	case b.sendCh <- a.Data:
	default:
		b.log.Warn("send queue full, dropping audio chunk",
			"stage", b.Name(), "bytes", len(a.Data))
	}
}

// runSession owns the session lifecycle: establish, stream, and either redial
// after a remote drop or close the bridge. It exits when teardown has begun
// or the session cannot be (re-)established.
func (b *Bridge) runSession(ctx context.Context, out *pipeline.Emitter) {
	defer b.wg.Done()

	redialling := false
	for {
		sess, info, err := b.establish(ctx, redialling)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Error("session establishment failed, closing bridge",
					"stage", b.Name(), "error", err)
			}
			b.teardownSelf()
			return
		}

		// Discard chunks buffered while no session was live.
		for len(b.sendCh) > 0 {
			<-b.sendCh
		}

		b.mu.Lock()
		b.sess = sess
		b.mu.Unlock()
		if !b.state.CompareAndSwap(int32(ConnConnecting), int32(ConnStreaming)) {
			// Teardown began while we were connecting.
			sess.Close()
			return
		}
		b.log.Info("duplex session streaming",
			"stage", b.Name(), "session_id", info.SessionID)

		sctx, stopSender := context.WithCancel(ctx)
		senderDone := make(chan struct{})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer close(senderDone)
			b.sender(sctx, sess)
		}()

		b.pump(ctx, sess, out)

		b.mu.Lock()
		b.sess = nil
		b.mu.Unlock()
		sess.Close()
		stopSender()
		<-senderDone

		if ctx.Err() != nil || b.State() != ConnStreaming {
			// Teardown was initiated by a control frame or pipeline stop.
			return
		}

		serr := sess.Err()
		if b.redial == nil {
			b.log.Error("duplex connection lost, closing bridge",
				"stage", b.Name(), "error", serr)
			b.teardownSelf()
			return
		}
		if !b.state.CompareAndSwap(int32(ConnStreaming), int32(ConnConnecting)) {
			return
		}
		b.log.Warn("duplex connection lost, redialling",
			"stage", b.Name(), "error", serr)
		redialling = true
	}
}

// establish provisions and dials one session. The system prompt is rebuilt on
// every attempt. Redials run under the bridge's backoff policy; the first
// establishment gets a single attempt.
func (b *Bridge) establish(ctx context.Context, redialling bool) (duplex.Session, duplex.SessionInfo, error) {
	var (
		sess duplex.Session
		info duplex.SessionInfo
	)
	attempt := func(ctx context.Context) error {
		cfg := b.cfg
		if b.prompt != nil {
			cfg.SystemPrompt = b.prompt()
		}
		connect := func() error {
			start := time.Now()
			var err error
			info, err = b.provider.Provision(ctx, cfg)
			if err == nil {
				sess, err = b.provider.Dial(ctx, info)
			}
			b.recordDial(ctx, time.Since(start), err)
			return err
		}
		if b.breaker != nil {
			return b.breaker.Execute(connect)
		}
		return connect()
	}

	var err error
	if redialling {
		err = b.redial.Retry(ctx, "duplex session redial", attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, duplex.SessionInfo{}, err
	}
	return sess, info, nil
}

// recordDial reports one establishment attempt: the dial duration histogram
// plus the provider request counter, and the error counter on failure.
func (b *Bridge) recordDial(ctx context.Context, d time.Duration, err error) {
	if b.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		b.metrics.RecordProviderError(ctx, b.providerName, "duplex")
	}
	b.metrics.RecordProviderRequest(ctx, b.providerName, "duplex", status)
	b.metrics.BridgeDialDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(observe.Attr("provider", b.providerName)))
}

// sender drains the send queue into the session. A failed send drops the
// chunk and keeps going; the connection's health is judged by the receive
// loop, not here.
func (b *Bridge) sender(ctx context.Context, sess duplex.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-b.sendCh:
			if err := sess.SendAudio(chunk); err != nil {
				if errors.Is(err, duplex.ErrSessionClosed) {
					return
				}
				b.log.Warn("audio send failed, dropping chunk",
					"stage", b.Name(), "bytes", len(chunk), "error", err)
			}
		}
	}
}

// pump is the receive loop: remote audio and events become downstream frames.
// It returns once both session channels are closed or ctx is cancelled.
func (b *Bridge) pump(ctx context.Context, sess duplex.Session, out *pipeline.Emitter) {
	audio := sess.Audio()
	events := sess.Events()
	for audio != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			out.Emit(frame.Audio{
				Data:       chunk,
				SampleRate: b.cfg.OutputSampleRate,
				Channels:   1,
			}, frame.Downstream)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.emitEvent(ev, out)
		}
	}
}

// emitEvent maps one session event onto a downstream frame. User speech
// becomes a Transcript; the agent's own words become Generated text. Agent
// transcript deltas are dropped so each agent utterance surfaces exactly once.
func (b *Bridge) emitEvent(ev duplex.Event, out *pipeline.Emitter) {
	switch ev.Type {
	case duplex.EventTranscript:
		if ev.Role == "agent" {
			if ev.Final {
				out.Emit(frame.Generated{Text: ev.Text}, frame.Downstream)
			}
			return
		}
		out.Emit(frame.Transcript{Text: ev.Text, Final: ev.Final}, frame.Downstream)
	case duplex.EventAgentText:
		out.Emit(frame.Generated{Text: ev.Text}, frame.Downstream)
	case duplex.EventState:
		b.log.Debug("remote session state", "stage", b.Name(), "state", ev.State)
	default:
		b.log.Debug("ignoring unknown session event",
			"stage", b.Name(), "type", string(ev.Type))
	}
}

// teardown begins closing the session: state moves to Closing, the session
// goroutines are cancelled and the connection is closed. Idempotent.
func (b *Bridge) teardown() {
	b.closeOnce.Do(func() {
		b.state.Store(int32(ConnClosing))
		b.mu.Lock()
		cancel := b.cancel
		sess := b.sess
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if sess != nil {
			if err := sess.Close(); err != nil {
				b.log.Warn("session close failed", "stage", b.Name(), "error", err)
			}
		}
	})
}

// teardownSelf is teardown invoked from the session goroutine itself, which
// cannot join on its own exit.
func (b *Bridge) teardownSelf() {
	b.teardown()
	b.state.Store(int32(ConnClosed))
}

// waitOwned joins the bridge's goroutines, giving up after joinTimeout so a
// stuck send can never block pipeline shutdown.
func (b *Bridge) waitOwned() {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.joinTimeout):
		b.log.Warn("bridge goroutines did not stop within join timeout",
			"stage", b.Name(), "timeout", b.joinTimeout.String())
	}
}
