// Package engine assembles pipelines for the two conversation modes.
//
// In bridge mode a single duplex session to a remote speech-to-speech
// service replaces the local speech stack. In cascade mode speech runs
// through separate STT, LLM and TTS providers. Both modes share the
// behavioral reward loop, the spoken command filter and turn logging.
//
// Stage instances are single-use, so the Engine is a factory: it holds the
// shared dependencies and builds a fresh stage chain for every device
// connection.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/perkell/syrinx/internal/knowledge"
	"github.com/perkell/syrinx/internal/observe"
	"github.com/perkell/syrinx/internal/phonetic"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/internal/resilience"
	"github.com/perkell/syrinx/internal/reward"
	"github.com/perkell/syrinx/internal/stage"
	"github.com/perkell/syrinx/pkg/provider/duplex"
	"github.com/perkell/syrinx/pkg/provider/llm"
	"github.com/perkell/syrinx/pkg/provider/stt"
	"github.com/perkell/syrinx/pkg/provider/tts"
)

// Mode selects how the agent converses.
type Mode string

const (
	// ModeBridge runs a duplex session to a remote speech-to-speech service.
	ModeBridge Mode = "bridge"

	// ModeCascade runs the local STT → LLM → TTS chain.
	ModeCascade Mode = "cascade"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBridge, ModeCascade:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("engine: unknown mode %q (valid: bridge, cascade)", s)
	}
}

// Deps holds everything the engine wires into its pipelines. The mode
// decides which provider fields are required; shared fields are used by
// both modes.
type Deps struct {
	// Shared is the cross-cutting conversation state: the knowledge snippet
	// injected into prompts and the learned reward estimates. Required.
	Shared *knowledge.SharedContext

	// Prompt builds the system prompt at session establishment time.
	Prompt func() string

	// Turns receives completed conversation turns. Nil disables turn
	// logging.
	Turns stage.TurnSink

	// Events receives out-of-band conversation events.
	Events stage.EventSink

	// Observer sees the text of every logged turn, feeding knowledge
	// extraction.
	Observer stage.Observer

	// Rewards persists reward updates; Audit records them durably.
	Rewards *reward.Store
	Audit   *reward.AuditLog

	// Gestures executes action requests on the device. Nil disables the
	// actuator stage.
	Gestures stage.GestureExecutor

	// Matcher and the trigger phrase lists configure the spoken command
	// filter.
	Matcher           *phonetic.Matcher
	InterruptTriggers []string
	ResetTriggers     []string

	// Metrics receives per-stage counters: scored rewards, completed
	// utterances and bridge dial attempts. Nil disables metric recording.
	Metrics *observe.Metrics

	// Bridge mode. DuplexName labels the bridge's provider metrics.
	Duplex     duplex.Provider
	DuplexName string
	Session    duplex.SessionConfig
	Breaker    *resilience.CircuitBreaker
	Redial     *resilience.BackoffPolicy

	// Cascade mode.
	STT         stt.Provider
	STTConfig   stt.StreamConfig
	LLM         llm.Provider
	Temperature float64
	TTS         tts.Provider
	Voice       tts.VoiceProfile

	// Logger is handed to every stage. Defaults to slog.Default.
	Logger *slog.Logger
}

// Engine builds one pipeline per device connection.
type Engine struct {
	mode     Mode
	pipeOpts []pipeline.Option
	log      *slog.Logger

	// mu guards deps: the trigger lists can be swapped at runtime while
	// Pipeline assembles stage chains for new connections.
	mu   sync.Mutex
	deps Deps
}

// Option configures an Engine.
type Option func(*Engine)

// WithPipelineOptions sets options applied to every assembled pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(e *Engine) { e.pipeOpts = opts }
}

// New validates deps for the chosen mode and returns an engine.
func New(mode Mode, deps Deps, opts ...Option) (*Engine, error) {
	if err := validate(mode, deps); err != nil {
		return nil, err
	}
	e := &Engine{mode: mode, deps: deps, log: deps.Logger}
	if e.log == nil {
		e.log = slog.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode reports the engine's conversation mode.
func (e *Engine) Mode() Mode { return e.mode }

// SetTriggers replaces the spoken command trigger lists. Pipelines assembled
// afterwards use the new lists; live sessions keep theirs until the device
// reconnects.
func (e *Engine) SetTriggers(interrupt, reset []string) {
	e.mu.Lock()
	e.deps.InterruptTriggers = slices.Clone(interrupt)
	e.deps.ResetTriggers = slices.Clone(reset)
	e.mu.Unlock()
}

func validate(mode Mode, deps Deps) error {
	var errs []error
	if deps.Shared == nil {
		errs = append(errs, errors.New("engine: shared context is required"))
	}
	switch mode {
	case ModeBridge:
		if deps.Duplex == nil {
			errs = append(errs, errors.New("engine: bridge mode requires a duplex provider"))
		}
	case ModeCascade:
		if deps.STT == nil {
			errs = append(errs, errors.New("engine: cascade mode requires an stt provider"))
		}
		if deps.LLM == nil {
			errs = append(errs, errors.New("engine: cascade mode requires an llm provider"))
		}
		if deps.TTS == nil {
			errs = append(errs, errors.New("engine: cascade mode requires a tts provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine: unknown mode %q", string(mode)))
	}
	return errors.Join(errs...)
}

// Pipeline assembles a fresh pipeline ending in tail, the connection-bound
// transport stage. Stage order is head to tail: the brain first, then the
// shared turn/reward/command chain, the actuator, and the transport.
func (e *Engine) Pipeline(tail pipeline.Stage) (*pipeline.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stages []pipeline.Stage
	switch e.mode {
	case ModeBridge:
		stages = append(stages, e.bridge())
	case ModeCascade:
		stages = append(stages, e.brain()...)
	}
	stages = append(stages, e.shared()...)
	if e.deps.Gestures != nil {
		stages = append(stages, stage.NewActuator(e.deps.Gestures,
			stage.WithActuatorLogger(e.log)))
	}
	stages = append(stages, tail)
	return pipeline.New(stages, append([]pipeline.Option{pipeline.WithLogger(e.log)}, e.pipeOpts...)...)
}

func (e *Engine) bridge() pipeline.Stage {
	opts := []stage.BridgeOption{stage.WithBridgeLogger(e.log)}
	if e.deps.Prompt != nil {
		opts = append(opts, stage.WithPromptSource(e.deps.Prompt))
	}
	if e.deps.Breaker != nil {
		opts = append(opts, stage.WithBreaker(e.deps.Breaker))
	}
	if e.deps.Redial != nil {
		opts = append(opts, stage.WithRedial(*e.deps.Redial))
	}
	if e.deps.Metrics != nil {
		opts = append(opts, stage.WithBridgeMetrics(e.deps.Metrics, e.deps.DuplexName))
	}
	return stage.NewBridge(e.deps.Duplex, e.deps.Session, opts...)
}

// brain builds the cascade head: the language model above the synthesizer,
// so generated text is both spoken and captioned.
func (e *Engine) brain() []pipeline.Stage {
	llmOpts := []stage.LLMOption{stage.WithLLMLogger(e.log)}
	if e.deps.Prompt != nil {
		llmOpts = append(llmOpts, stage.WithLLMPromptSource(e.deps.Prompt))
	}
	if e.deps.Temperature > 0 {
		llmOpts = append(llmOpts, stage.WithLLMTemperature(e.deps.Temperature))
	}
	ttsOpts := []stage.TTSOption{
		stage.WithTTSLogger(e.log),
		stage.WithVoice(e.deps.Voice),
	}
	return []pipeline.Stage{
		stage.NewLLM(e.deps.LLM, llmOpts...),
		stage.NewTTS(e.deps.TTS, ttsOpts...),
	}
}

// shared builds the turn-logging, reward and command stages common to both
// modes, plus the cascade's recognizer which sits below the command filter
// so spoken commands are matched against its transcripts.
func (e *Engine) shared() []pipeline.Stage {
	var stages []pipeline.Stage

	if e.deps.Turns != nil {
		turnOpts := []stage.TurnOption{}
		if e.deps.Observer != nil {
			turnOpts = append(turnOpts, stage.WithTurnObserver(e.deps.Observer))
		}
		if e.deps.Metrics != nil {
			turnOpts = append(turnOpts, stage.WithTurnMetrics(e.deps.Metrics, string(e.mode)))
		}
		stages = append(stages, stage.NewTurnLogger(e.deps.Turns, turnOpts...))
	}

	rewardOpts := []stage.RewardOption{stage.WithRewardLogger(e.log)}
	if e.deps.Metrics != nil {
		rewardOpts = append(rewardOpts, stage.WithRewardMetrics(e.deps.Metrics))
	}
	if e.deps.Rewards != nil {
		rewardOpts = append(rewardOpts, stage.WithRewardStore(e.deps.Rewards))
	}
	if e.deps.Audit != nil {
		rewardOpts = append(rewardOpts, stage.WithRewardAudit(e.deps.Audit))
	}
	if e.deps.Events != nil {
		rewardOpts = append(rewardOpts, stage.WithRewardEvents(e.deps.Events))
	}
	stages = append(stages, stage.NewRewardProcessor(e.deps.Shared, rewardOpts...))

	cmdOpts := []stage.CommandOption{stage.WithCommandLogger(e.log)}
	if e.deps.Matcher != nil {
		cmdOpts = append(cmdOpts, stage.WithCommandMatcher(e.deps.Matcher))
	}
	if len(e.deps.InterruptTriggers) > 0 {
		cmdOpts = append(cmdOpts, stage.WithInterruptTriggers(e.deps.InterruptTriggers...))
	}
	if len(e.deps.ResetTriggers) > 0 {
		cmdOpts = append(cmdOpts, stage.WithResetTriggers(e.deps.ResetTriggers...))
	}
	if e.deps.Events != nil {
		cmdOpts = append(cmdOpts, stage.WithCommandEvents(e.deps.Events))
	}
	stages = append(stages, stage.NewCommandFilter(e.deps.Shared, cmdOpts...))

	if e.mode == ModeCascade {
		stages = append(stages, stage.NewSTT(e.deps.STT,
			stage.WithSTTConfig(e.deps.STTConfig),
			stage.WithSTTLogger(e.log)))
	}
	return stages
}
