package stage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/pkg/provider/stt"
)

// STTOption configures an STT stage.
type STTOption func(*STT)

// WithSTTConfig sets the stream configuration handed to the provider.
func WithSTTConfig(cfg stt.StreamConfig) STTOption {
	return func(s *STT) { s.cfg = cfg }
}

// WithSTTJoinTimeout bounds how long teardown waits for the stage's
// goroutines before abandoning them.
func WithSTTJoinTimeout(d time.Duration) STTOption {
	return func(s *STT) { s.joinTimeout = d }
}

// WithSTTLogger sets the stage's logger.
func WithSTTLogger(log *slog.Logger) STTOption {
	return func(s *STT) { s.log = log }
}

// STT feeds upstream microphone audio into a streaming speech recognition
// session and emits the recognised text as upstream Transcript frames, so
// the stages above it see words instead of samples. Audio frames are
// consumed; every other frame passes through unchanged.
//
// On Start the stage forwards the frame immediately and opens the
// recognition session in the background; audio arriving before the session
// is live is dropped. A session that cannot be opened closes the stage but
// never fails the pipeline. On End or Cancel the session is flushed and
// closed, its goroutines joined within a bounded time, and the control frame
// forwarded.
type STT struct {
	provider    stt.Provider
	cfg         stt.StreamConfig
	joinTimeout time.Duration
	log         *slog.Logger

	started atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	sess   stt.SessionHandle
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ pipeline.Stage = (*STT)(nil)

// NewSTT builds a recognition stage over provider.
func NewSTT(provider stt.Provider, opts ...STTOption) *STT {
	s := &STT{
		provider:    provider,
		cfg:         stt.StreamConfig{SampleRate: 16000, Channels: 1},
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *STT) Name() string { return "stt" }

func (s *STT) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		out.Emit(f, dir)
		s.handleStart(ctx, out)
	case frame.End, frame.Cancel:
		s.stop()
		out.Emit(f, dir)
	case frame.Audio:
		if dir == frame.Upstream {
			s.feed(ff)
			return nil
		}
		out.Emit(f, dir)
	default:
		out.Emit(f, dir)
	}
	return nil
}

func (s *STT) handleStart(ctx context.Context, out *pipeline.Emitter) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.runSession(sctx, out)
}

// runSession opens the recognition stream and pumps its transcript channels
// into upstream frames until the session ends.
func (s *STT) runSession(ctx context.Context, out *pipeline.Emitter) {
	defer s.wg.Done()

	sess, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("recognition session failed to start, closing stage",
				"stage", s.Name(), "error", err)
		}
		s.closed.Store(true)
		return
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		sess.Close()
		return
	}
	s.sess = sess
	s.mu.Unlock()

	partials := sess.Partials()
	finals := sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.emitTranscript(t, out)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.emitTranscript(t, out)
		}
	}
}

func (s *STT) emitTranscript(t stt.Transcript, out *pipeline.Emitter) {
	if t.Text == "" {
		return
	}
	out.Emit(frame.Transcript{Text: t.Text, Final: t.Final}, frame.Upstream)
}

// feed hands one audio chunk to the session. The provider contract makes
// SendAudio a queueing call, so feeding from Process does not block on I/O.
func (s *STT) feed(a frame.Audio) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		s.log.Debug("dropping audio, recognition session not live",
			"stage", s.Name(), "bytes", len(a.Data))
		return
	}
	if err := sess.SendAudio(a.Data); err != nil {
		s.log.Warn("recognition send failed, dropping chunk",
			"stage", s.Name(), "bytes", len(a.Data), "error", err)
	}
}

// stop closes the session and joins the pump goroutine within the join
// timeout. Idempotent.
func (s *STT) stop() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		sess := s.sess
		cancel := s.cancel
		s.sess = nil
		s.mu.Unlock()
		if sess != nil {
			// Close first so buffered speech is flushed and the transcript
			// channels drain before the pump is cancelled.
			if err := sess.Close(); err != nil {
				s.log.Warn("recognition session close failed",
					"stage", s.Name(), "error", err)
			}
		}
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.joinTimeout):
			s.log.Warn("stt goroutines did not stop within join timeout",
				"stage", s.Name(), "timeout", s.joinTimeout.String())
		}
	})
}
