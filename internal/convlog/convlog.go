package convlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perkell/syrinx/internal/knowledge"
)

// Event types recorded in the events log.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventInterruption      = "interruption"
	EventError             = "error"
	EventRewardUpdate      = "reward_update"
)

// timestampLayout matches ISO 8601 with microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.000000"

// TurnEntry is one conversation turn as written to the conversation log.
type TurnEntry struct {
	SessionID        string         `json:"session_id"`
	Timestamp        string         `json:"timestamp"`
	User             string         `json:"user"`
	Agent            string         `json:"agent"`
	RAGContextLength int            `json:"rag_context_length"`
	Metadata         map[string]any `json:"metadata"`
}

// EventEntry is one system event as written to the events log.
type EventEntry struct {
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Logger records conversation turns and system events for one session.
// All logging methods are non-blocking; entries flow through buffered
// [Writer] queues flushed by [Logger.Run].
type Logger struct {
	sessionID string
	shared    *knowledge.SharedContext
	turns     *Writer
	events    *Writer
	log       *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Logger)

// WithLogger sets the diagnostic logger. Default: slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(l *Logger) { l.sessionID = id }
}

// New creates a Logger writing under dir, creating the directory if needed.
// shared may be nil; when set, each turn records the current knowledge
// snippet length. The session identifier defaults to the start time in
// YYYYMMDD_HHMMSS form.
func New(dir string, shared *knowledge.SharedContext, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("convlog: create logs dir: %w", err)
	}

	l := &Logger{
		sessionID: time.Now().Format("20060102_150405"),
		shared:    shared,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.turns = NewWriter(dir, "conversation", WithWriterLogger(l.log))
	l.events = NewWriter(dir, "events", WithWriterLogger(l.log))

	l.log.Info("conversation logger initialized", "session_id", l.sessionID, "dir", dir)
	return l, nil
}

// SessionID returns this logger's session identifier.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// LogTurn records a completed conversation turn. Non-blocking.
func (l *Logger) LogTurn(userText, agentText string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	ragLen := 0
	if l.shared != nil {
		ragLen = len(l.shared.Knowledge())
	}
	l.turns.Enqueue(TurnEntry{
		SessionID:        l.sessionID,
		Timestamp:        time.Now().UTC().Format(timestampLayout),
		User:             userText,
		Agent:            agentText,
		RAGContextLength: ragLen,
		Metadata:         metadata,
	})
}

// LogEvent records a system event such as an interruption, a participant
// join/leave, an error, or a reward update. Non-blocking.
func (l *Logger) LogEvent(eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	l.events.Enqueue(EventEntry{
		SessionID: l.sessionID,
		Timestamp: time.Now().UTC().Format(timestampLayout),
		EventType: eventType,
		Data:      data,
	})
}

// Run flushes both logs until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.turns.Run(ctx) })
	g.Go(func() error { return l.events.Run(ctx) })
	return g.Wait()
}
