package stage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/perkell/syrinx/internal/convlog"
	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/knowledge"
	"github.com/perkell/syrinx/internal/phonetic"
	"github.com/perkell/syrinx/internal/pipeline"
)

// Commands are terse; longer utterances are conversation, not control.
const maxCommandWords = 4

var (
	defaultInterruptTriggers = []string{"stop", "never mind", "be quiet"}
	defaultResetTriggers     = []string{"new topic", "start over", "forget that"}
)

// CommandOption configures a CommandFilter.
type CommandOption func(*CommandFilter)

// WithInterruptTriggers replaces the default interrupt phrases.
func WithInterruptTriggers(triggers ...string) CommandOption {
	return func(c *CommandFilter) { c.interrupts = triggers }
}

// WithResetTriggers replaces the default context reset phrases.
func WithResetTriggers(triggers ...string) CommandOption {
	return func(c *CommandFilter) { c.resets = triggers }
}

// WithCommandMatcher replaces the default phonetic matcher.
func WithCommandMatcher(m *phonetic.Matcher) CommandOption {
	return func(c *CommandFilter) { c.matcher = m }
}

// WithCommandEvents emits an interruption event to sink for each detected
// interrupt command.
func WithCommandEvents(sink EventSink) CommandOption {
	return func(c *CommandFilter) { c.events = sink }
}

// WithCommandLogger sets the filter's logger.
func WithCommandLogger(log *slog.Logger) CommandOption {
	return func(c *CommandFilter) { c.log = log }
}

// CommandFilter spots spoken control commands in final transcripts. An
// interrupt phrase ("stop") records an interruption event; a reset phrase
// ("new topic") clears the shared knowledge snippet. Matching is phonetic,
// so a misheard "stahp" still counts. A transcript recognized as a command
// is consumed rather than forwarded, keeping control speech out of the
// conversation; everything else passes through unchanged.
type CommandFilter struct {
	matcher    *phonetic.Matcher
	interrupts []string
	resets     []string
	shared     *knowledge.SharedContext
	events     EventSink
	log        *slog.Logger
}

var _ pipeline.Stage = (*CommandFilter)(nil)

// NewCommandFilter builds a command filter over the shared context.
func NewCommandFilter(shared *knowledge.SharedContext, opts ...CommandOption) *CommandFilter {
	c := &CommandFilter{
		matcher:    phonetic.New(),
		interrupts: defaultInterruptTriggers,
		resets:     defaultResetTriggers,
		shared:     shared,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CommandFilter) Name() string { return "command_filter" }

func (c *CommandFilter) Process(_ context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	tr, ok := f.(frame.Transcript)
	if !ok || !tr.Final || len(strings.Fields(tr.Text)) > maxCommandWords {
		out.Emit(f, dir)
		return nil
	}

	if trig, conf, ok := c.matcher.Detect(tr.Text, c.interrupts); ok {
		c.log.Info("interrupt command detected",
			"stage", c.Name(), "trigger", trig, "confidence", conf, "text", tr.Text)
		if c.events != nil {
			c.events.LogEvent(convlog.EventInterruption, map[string]any{
				"trigger":    trig,
				"confidence": conf,
				"text":       tr.Text,
			})
		}
		return nil
	}

	if trig, conf, ok := c.matcher.Detect(tr.Text, c.resets); ok {
		c.shared.ClearKnowledge()
		c.log.Info("context reset command detected",
			"stage", c.Name(), "trigger", trig, "confidence", conf)
		return nil
	}

	out.Emit(f, dir)
	return nil
}
