package reward

import (
	"context"
	"log/slog"
	"time"

	"github.com/perkell/syrinx/internal/convlog"
	"github.com/perkell/syrinx/internal/knowledge"
)

// AuditRecord is one append-only entry of the reward audit trail. Records are
// never mutated after creation; the trail exists for offline analysis only.
type AuditRecord struct {
	Timestamp     string  `json:"timestamp"`
	SituationHash string  `json:"situation_hash"`
	Intent        string  `json:"intent"`
	ActuatorID    string  `json:"actuator_id"`
	Reward        float64 `json:"reward"`
}

// AuditLog appends reward records to date-stamped JSONL files. Append is
// non-blocking; entries flow through a queue flushed by [AuditLog.Run].
type AuditLog struct {
	w *convlog.Writer
}

// NewAuditLog creates an AuditLog writing "rewards_<YYYY-MM-DD>.jsonl" files
// under dir.
func NewAuditLog(dir string, log *slog.Logger) *AuditLog {
	if log == nil {
		log = slog.Default()
	}
	return &AuditLog{w: convlog.NewWriter(dir, "rewards", convlog.WithWriterLogger(log))}
}

// Append records one computed reward. Non-blocking.
func (a *AuditLog) Append(key knowledge.CompositeKey, reward float64) {
	a.w.Enqueue(AuditRecord{
		Timestamp:     time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		SituationHash: key.SituationHash,
		Intent:        key.Intent,
		ActuatorID:    key.ActuatorID,
		Reward:        reward,
	})
}

// Run flushes the audit queue until ctx is cancelled.
func (a *AuditLog) Run(ctx context.Context) error {
	return a.w.Run(ctx)
}
