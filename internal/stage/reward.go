package stage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/perkell/syrinx/internal/convlog"
	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/knowledge"
	"github.com/perkell/syrinx/internal/observe"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/internal/reward"
)

// feedbackSuccessRadius is the pixel distance within which a user's own
// interaction counts as confirming the suggested position.
const feedbackSuccessRadius = 50.0

// EventSink receives structured session events. convlog.Logger satisfies it.
type EventSink interface {
	LogEvent(eventType string, data map[string]any)
}

// RewardOption configures a RewardProcessor.
type RewardOption func(*RewardProcessor)

// WithRewardStore persists each scored reward to the given store.
func WithRewardStore(s *reward.Store) RewardOption {
	return func(r *RewardProcessor) { r.store = s }
}

// WithRewardAudit appends each scored reward to the given audit log.
func WithRewardAudit(a *reward.AuditLog) RewardOption {
	return func(r *RewardProcessor) { r.audit = a }
}

// WithRewardEvents emits a reward_update event to sink for each scored
// feedback.
func WithRewardEvents(sink EventSink) RewardOption {
	return func(r *RewardProcessor) { r.events = sink }
}

// WithRewardLogger sets the processor's logger.
func WithRewardLogger(log *slog.Logger) RewardOption {
	return func(r *RewardProcessor) { r.log = log }
}

// WithRewardMetrics counts each scored feedback on the rewards counter.
func WithRewardMetrics(m *observe.Metrics) RewardOption {
	return func(r *RewardProcessor) { r.metrics = m }
}

// RewardProcessor scores action feedback and folds the result into the
// shared reward table, so later prompts can surface what worked.
//
// A feedback frame earns +1.0 when the action succeeded and the user's own
// interaction landed within feedbackSuccessRadius pixels of the suggested
// position, and -1.0 otherwise. Scores accumulate per
// (situation, intent, actuator) key. Feedback without the full metadata
// triple is logged and skipped. Every frame, feedback included, passes
// through unchanged; persistence and event emission never block the frame
// path.
type RewardProcessor struct {
	shared  *knowledge.SharedContext
	store   *reward.Store
	audit   *reward.AuditLog
	events  EventSink
	metrics *observe.Metrics
	log     *slog.Logger
}

var _ pipeline.Stage = (*RewardProcessor)(nil)

// NewRewardProcessor builds a reward processor over the shared context.
func NewRewardProcessor(shared *knowledge.SharedContext, opts ...RewardOption) *RewardProcessor {
	r := &RewardProcessor{
		shared: shared,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RewardProcessor) Name() string { return "reward_processor" }

func (r *RewardProcessor) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	out.Emit(f, dir)
	if fb, ok := f.(frame.Feedback); ok {
		r.observe(ctx, fb)
	}
	return nil
}

func (r *RewardProcessor) observe(ctx context.Context, fb frame.Feedback) {
	key, missing := feedbackKey(fb.Metadata)
	if len(missing) > 0 {
		r.log.Warn("feedback missing reward metadata, skipping",
			"stage", r.Name(),
			"action_id", fb.ActionID,
			"missing", strings.Join(missing, ","))
		return
	}

	delta := -1.0
	if fb.Success && fb.UserDelta < feedbackSuccessRadius {
		delta = 1.0
	}

	total := r.shared.AddReward(key, delta)
	if r.metrics != nil {
		r.metrics.RecordReward(ctx, delta > 0)
	}
	if r.store != nil {
		r.store.Record(key, delta)
	}
	if r.audit != nil {
		r.audit.Append(key, delta)
	}
	if r.events != nil {
		r.events.LogEvent(convlog.EventRewardUpdate, map[string]any{
			"action_id": fb.ActionID,
			"reward":    total,
			"delta":     delta,
		})
	}
	r.log.Debug("feedback scored",
		"stage", r.Name(),
		"action_id", fb.ActionID,
		"delta", delta,
		"total", total,
		"situation", key.SituationHash,
		"intent", key.Intent,
		"actuator", key.ActuatorID)
}

// feedbackKey assembles the composite reward key from frame metadata and
// names any keys that are absent.
func feedbackKey(md map[string]string) (knowledge.CompositeKey, []string) {
	key := knowledge.CompositeKey{
		SituationHash: md[frame.MetaSituationHash],
		Intent:        md[frame.MetaIntent],
		ActuatorID:    md[frame.MetaActuatorID],
	}
	var missing []string
	if key.SituationHash == "" {
		missing = append(missing, frame.MetaSituationHash)
	}
	if key.Intent == "" {
		missing = append(missing, frame.MetaIntent)
	}
	if key.ActuatorID == "" {
		missing = append(missing, frame.MetaActuatorID)
	}
	return key, missing
}
