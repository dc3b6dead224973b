package stage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/pkg/provider/tts"
)

const defaultTextQueue = 16

// TTSOption configures a TTS stage.
type TTSOption func(*TTS)

// WithVoice sets the voice profile used for synthesis.
func WithVoice(v tts.VoiceProfile) TTSOption {
	return func(t *TTS) { t.voice = v }
}

// WithTTSSampleRate declares the PCM rate of the audio the provider returns,
// stamped onto emitted Audio frames. Must match the provider's configured
// output format.
func WithTTSSampleRate(rate int) TTSOption {
	return func(t *TTS) { t.sampleRate = rate }
}

// WithTTSJoinTimeout bounds how long teardown waits for the synthesis stream
// before abandoning it.
func WithTTSJoinTimeout(d time.Duration) TTSOption {
	return func(t *TTS) { t.joinTimeout = d }
}

// WithTTSLogger sets the stage's logger.
func WithTTSLogger(log *slog.Logger) TTSOption {
	return func(t *TTS) { t.log = log }
}

// TTS gives downstream Generated text a voice. The stage holds one synthesis
// stream open for the pipeline's lifetime: each Generated frame's text is fed
// into it and the resulting PCM is emitted as downstream Audio frames, while
// the Generated frame itself continues downstream so the device can render
// captions. All other frames pass through unchanged.
//
// On Start the stage forwards the frame immediately and opens the synthesis
// stream in the background; text arriving before the stream is live is
// dropped. A stream that cannot be opened closes the stage but never fails
// the pipeline. On End or Cancel the text feed is closed so buffered speech
// finishes synthesising, the stream's goroutines are joined within a bounded
// time, and the control frame is forwarded.
type TTS struct {
	provider    tts.Provider
	voice       tts.VoiceProfile
	sampleRate  int
	joinTimeout time.Duration
	log         *slog.Logger

	started atomic.Bool
	closed  atomic.Bool
	textCh  chan string

	mu     sync.Mutex
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ pipeline.Stage = (*TTS)(nil)

// NewTTS builds a synthesis stage over provider.
func NewTTS(provider tts.Provider, opts ...TTSOption) *TTS {
	t := &TTS{
		provider:    provider,
		sampleRate:  16000,
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
		textCh:      make(chan string, defaultTextQueue),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TTS) Name() string { return "tts" }

func (t *TTS) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		out.Emit(f, dir)
		t.handleStart(ctx, out)
	case frame.End, frame.Cancel:
		t.stop()
		out.Emit(f, dir)
	case frame.Generated:
		out.Emit(f, dir)
		if dir == frame.Downstream && ff.Text != "" {
			t.speak(ff.Text)
		}
	default:
		out.Emit(f, dir)
	}
	return nil
}

func (t *TTS) handleStart(ctx context.Context, out *pipeline.Emitter) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.wg.Add(1)
	go t.runStream(sctx, out)
}

// runStream opens the synthesis stream and pumps its audio into downstream
// frames until the stream ends.
func (t *TTS) runStream(ctx context.Context, out *pipeline.Emitter) {
	defer t.wg.Done()

	audioCh, err := t.provider.SynthesizeStream(ctx, t.textCh, t.voice)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Error("synthesis stream failed to start, closing stage",
				"stage", t.Name(), "error", err)
		}
		t.closed.Store(true)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-audioCh:
			if !ok {
				return
			}
			if len(pcm) == 0 {
				continue
			}
			out.Emit(frame.Audio{
				Data:       pcm,
				SampleRate: t.sampleRate,
				Channels:   1,
			}, frame.Downstream)
		}
	}
}

// speak queues one utterance for synthesis. A full queue drops the utterance
// rather than stalling the pipeline.
func (t *TTS) speak(text string) {
	if t.closed.Load() {
		return
	}
	select {
	case t.textCh <- text:
	default:
		t.log.Warn("synthesis queue full, dropping utterance",
			"stage", t.Name(), "chars", len(text))
	}
}

// stop closes the text feed and joins the stream goroutine within the join
// timeout. Idempotent.
func (t *TTS) stop() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		// Closing the feed lets the provider finish buffered speech and
		// close the audio channel, which ends runStream.
		close(t.textCh)

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(t.joinTimeout):
			t.log.Warn("tts goroutines did not stop within join timeout",
				"stage", t.Name(), "timeout", t.joinTimeout.String())
		}

		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
