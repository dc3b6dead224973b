package stage

import (
	"context"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/observe"
	"github.com/perkell/syrinx/internal/pipeline"
)

// TurnSink records completed conversation turns. convlog.Logger satisfies it.
type TurnSink interface {
	LogTurn(userText, agentText string, metadata map[string]any)
}

// Observer receives final user utterances. knowledge.Updater satisfies it,
// which is how the knowledge snippet tracks the conversation.
type Observer interface {
	Observe(text string)
}

// TurnOption configures a TurnLogger.
type TurnOption func(*TurnLogger)

// WithTurnObserver forwards final user utterances to obs.
func WithTurnObserver(obs Observer) TurnOption {
	return func(tl *TurnLogger) { tl.observer = obs }
}

// WithTurnMetrics counts each completed agent utterance, labelled with the
// engine mode that produced it.
func WithTurnMetrics(m *observe.Metrics, mode string) TurnOption {
	return func(tl *TurnLogger) {
		tl.metrics = m
		tl.mode = mode
	}
}

// TurnLogger pairs each agent response with the final user utterance that
// preceded it and records the pair as one conversation turn. Final user
// transcripts are also handed to the observer so knowledge retrieval can
// follow the conversation. All frames pass through unchanged.
type TurnLogger struct {
	turns    TurnSink
	observer Observer
	metrics  *observe.Metrics
	mode     string

	// pendingUser is only touched from Process; the pipeline serializes
	// calls per stage.
	pendingUser string
}

var _ pipeline.Stage = (*TurnLogger)(nil)

// NewTurnLogger builds a turn logger writing to turns, which may be nil when
// only observation is wanted.
func NewTurnLogger(turns TurnSink, opts ...TurnOption) *TurnLogger {
	tl := &TurnLogger{turns: turns}
	for _, opt := range opts {
		opt(tl)
	}
	return tl
}

func (tl *TurnLogger) Name() string { return "turn_logger" }

func (tl *TurnLogger) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	out.Emit(f, dir)
	switch ff := f.(type) {
	case frame.Transcript:
		if ff.Final && ff.Text != "" {
			tl.pendingUser = ff.Text
			if tl.observer != nil {
				tl.observer.Observe(ff.Text)
			}
		}
	case frame.Generated:
		if tl.turns != nil {
			tl.turns.LogTurn(tl.pendingUser, ff.Text, nil)
		}
		if tl.metrics != nil {
			tl.metrics.RecordUtterance(ctx, tl.mode)
		}
		tl.pendingUser = ""
	}
	return nil
}
