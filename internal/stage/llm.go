package stage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/pkg/provider/llm"
)

const (
	defaultUtteranceQueue = 8
	defaultMaxHistory     = 20
)

// LLMOption configures an LLM stage.
type LLMOption func(*LLM)

// WithLLMPromptSource sets a function called before each completion to
// produce the system prompt, so every request carries the knowledge snippet
// and learned strategies current at that moment.
func WithLLMPromptSource(fn func() string) LLMOption {
	return func(l *LLM) { l.prompt = fn }
}

// WithLLMTemperature sets the sampling temperature for completions.
func WithLLMTemperature(t float64) LLMOption {
	return func(l *LLM) { l.temperature = t }
}

// WithMaxHistory caps how many conversation messages are replayed per
// request. Older turns fall off the front.
func WithMaxHistory(n int) LLMOption {
	return func(l *LLM) { l.maxHistory = n }
}

// WithLLMJoinTimeout bounds how long teardown waits for an in-flight
// completion before abandoning it.
func WithLLMJoinTimeout(d time.Duration) LLMOption {
	return func(l *LLM) { l.joinTimeout = d }
}

// WithLLMLogger sets the stage's logger.
func WithLLMLogger(log *slog.Logger) LLMOption {
	return func(l *LLM) { l.log = log }
}

// LLM turns final user transcripts into agent responses. It sits at the head
// of the cascade pipeline: each final upstream Transcript is queued for a
// completion request carrying the conversation history and the current
// system prompt, and the model's reply is emitted downstream as a Generated
// frame. Partial transcripts and all other frames pass through unchanged.
//
// Completions run on a single worker goroutine, one at a time, so responses
// come out in utterance order. A completion failure is logged and the
// utterance dropped; the pipeline keeps running. On End or Cancel the worker
// is stopped, joined within a bounded time, and the control frame forwarded.
type LLM struct {
	provider    llm.Provider
	prompt      func() string
	temperature float64
	maxHistory  int
	joinTimeout time.Duration
	log         *slog.Logger

	started atomic.Bool
	queue   chan string

	mu     sync.Mutex
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ pipeline.Stage = (*LLM)(nil)

// NewLLM builds a language-model stage over provider.
func NewLLM(provider llm.Provider, opts ...LLMOption) *LLM {
	l := &LLM{
		provider:    provider,
		maxHistory:  defaultMaxHistory,
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
		queue:       make(chan string, defaultUtteranceQueue),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		out.Emit(f, dir)
		l.handleStart(ctx, out)
	case frame.End, frame.Cancel:
		l.stop()
		out.Emit(f, dir)
	case frame.Transcript:
		if dir == frame.Upstream && ff.Final && ff.Text != "" {
			l.enqueue(ff.Text)
			return nil
		}
		out.Emit(f, dir)
	default:
		out.Emit(f, dir)
	}
	return nil
}

func (l *LLM) handleStart(ctx context.Context, out *pipeline.Emitter) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	l.wg.Add(1)
	go l.worker(wctx, out)
}

// enqueue hands one utterance to the worker. A full queue means the model is
// far behind the speaker; the oldest queued utterance is the stalest, so it
// is the one dropped.
func (l *LLM) enqueue(text string) {
	for {
		select {
		case l.queue <- text:
			return
		default:
		}
		select {
		case stale := <-l.queue:
			l.log.Warn("utterance queue full, dropping oldest",
				"stage", l.Name(), "dropped", stale)
		default:
		}
	}
}

// worker serialises completions: one request in flight, responses emitted in
// utterance order.
func (l *LLM) worker(ctx context.Context, out *pipeline.Emitter) {
	defer l.wg.Done()

	var history []llm.Message
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-l.queue:
			reply, ok := l.complete(ctx, history, text)
			if !ok {
				continue
			}
			history = append(history,
				llm.Message{Role: "user", Content: text},
				llm.Message{Role: "assistant", Content: reply},
			)
			if len(history) > l.maxHistory {
				history = history[len(history)-l.maxHistory:]
			}
			out.Emit(frame.Generated{Text: reply}, frame.Downstream)
		}
	}
}

func (l *LLM) complete(ctx context.Context, history []llm.Message, text string) (string, bool) {
	req := llm.CompletionRequest{
		Messages:    append(append([]llm.Message{}, history...), llm.Message{Role: "user", Content: text}),
		Temperature: l.temperature,
	}
	if l.prompt != nil {
		req.SystemPrompt = l.prompt()
	}

	start := time.Now()
	resp, err := l.provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Error("completion failed, dropping utterance",
				"stage", l.Name(), "error", err)
		}
		return "", false
	}
	if resp == nil || resp.Content == "" {
		l.log.Warn("completion returned no content", "stage", l.Name())
		return "", false
	}
	l.log.Debug("completion finished",
		"stage", l.Name(), "elapsed", time.Since(start).String(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Content, true
}

// stop cancels the worker and joins it within the join timeout. Idempotent.
func (l *LLM) stop() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(l.joinTimeout):
			l.log.Warn("llm worker did not stop within join timeout",
				"stage", l.Name(), "timeout", l.joinTimeout.String())
		}
	})
}
