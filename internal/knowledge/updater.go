package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SnippetSource produces a knowledge snippet for a query. *Retriever
// implements it.
type SnippetSource interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Updater refreshes the shared knowledge snippet in the background as final
// user utterances arrive. Utterances are recorded via [Updater.Observe];
// on each tick the most recent unprocessed one is retrieved against the
// knowledge base and the resulting snippet written to the shared context.
//
// Retrieval failures keep the previous snippet and are logged, never fatal.
type Updater struct {
	source   SnippetSource
	shared   *SharedContext
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending string
	last    string
}

// UpdaterOption is a functional option for [NewUpdater].
type UpdaterOption func(*Updater)

// WithInterval sets the refresh period. Default: 5s.
func WithInterval(d time.Duration) UpdaterOption {
	return func(u *Updater) { u.interval = d }
}

// WithUpdaterLogger sets the logger. Default: slog.Default.
func WithUpdaterLogger(log *slog.Logger) UpdaterOption {
	return func(u *Updater) { u.log = log }
}

// NewUpdater creates an Updater writing snippets from source into shared.
func NewUpdater(source SnippetSource, shared *SharedContext, opts ...UpdaterOption) *Updater {
	u := &Updater{
		source:   source,
		shared:   shared,
		interval: 5 * time.Second,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Observe records text as the latest retrieval query. Non-blocking; only the
// most recent observation per tick is processed.
func (u *Updater) Observe(text string) {
	u.mu.Lock()
	u.pending = text
	u.mu.Unlock()
}

// Run drives the refresh loop until ctx is cancelled. Always returns the
// context's error.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.refresh(ctx)
		}
	}
}

// refresh processes the pending query, if it differs from the last one.
func (u *Updater) refresh(ctx context.Context) {
	u.mu.Lock()
	query := u.pending
	u.pending = ""
	if query == "" || query == u.last {
		u.mu.Unlock()
		return
	}
	u.last = query
	u.mu.Unlock()

	snippet, err := u.source.Retrieve(ctx, query)
	if err != nil {
		u.log.Warn("knowledge retrieval failed", "error", err)
		return
	}
	if snippet == "" {
		u.log.Debug("knowledge retrieval returned no documents")
		return
	}

	u.shared.SetKnowledge(snippet)
	u.log.Info("knowledge context updated", "chars", len(snippet))
}
