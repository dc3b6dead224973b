package knowledge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/knowledge"
)

// fakeSource is a scriptable SnippetSource.
type fakeSource struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	queries []string
}

func (f *fakeSource) Retrieve(_ context.Context, query string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[query], nil
}

func (f *fakeSource) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func startUpdater(t *testing.T, u *knowledge.Updater) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("updater did not stop after context cancellation")
		}
	})
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestUpdaterWritesSnippet(t *testing.T) {
	shared := knowledge.NewSharedContext()
	src := &fakeSource{replies: map[string]string{"what is the airlock code": "The code is 7741."}}
	u := knowledge.NewUpdater(src, shared, knowledge.WithInterval(10*time.Millisecond))
	startUpdater(t, u)

	u.Observe("what is the airlock code")
	waitFor(t, "snippet update", func() bool {
		return shared.Knowledge() == "The code is 7741."
	})
}

func TestUpdaterKeepsSnippetOnFailure(t *testing.T) {
	shared := knowledge.NewSharedContext()
	shared.SetKnowledge("previous snippet")
	src := &fakeSource{err: errors.New("index offline")}
	u := knowledge.NewUpdater(src, shared, knowledge.WithInterval(10*time.Millisecond))
	startUpdater(t, u)

	u.Observe("any query")
	waitFor(t, "retrieval attempt", func() bool { return len(src.seen()) > 0 })

	if got := shared.Knowledge(); got != "previous snippet" {
		t.Errorf("failed retrieval replaced the snippet: %q", got)
	}
}

func TestUpdaterKeepsSnippetOnEmptyResult(t *testing.T) {
	shared := knowledge.NewSharedContext()
	shared.SetKnowledge("previous snippet")
	src := &fakeSource{replies: map[string]string{}}
	u := knowledge.NewUpdater(src, shared, knowledge.WithInterval(10*time.Millisecond))
	startUpdater(t, u)

	u.Observe("unknown topic")
	waitFor(t, "retrieval attempt", func() bool { return len(src.seen()) > 0 })

	if got := shared.Knowledge(); got != "previous snippet" {
		t.Errorf("empty retrieval replaced the snippet: %q", got)
	}
}

func TestUpdaterSkipsRepeatedQuery(t *testing.T) {
	shared := knowledge.NewSharedContext()
	src := &fakeSource{replies: map[string]string{"q": "snippet"}}
	u := knowledge.NewUpdater(src, shared, knowledge.WithInterval(10*time.Millisecond))
	startUpdater(t, u)

	u.Observe("q")
	waitFor(t, "first retrieval", func() bool { return len(src.seen()) == 1 })

	// Same utterance again: no second retrieval should happen.
	u.Observe("q")
	time.Sleep(50 * time.Millisecond)
	if n := len(src.seen()); n != 1 {
		t.Errorf("repeated identical query was retrieved %d times, want 1", n)
	}
}

func TestUpdaterProcessesLatestObservation(t *testing.T) {
	shared := knowledge.NewSharedContext()
	src := &fakeSource{replies: map[string]string{
		"first":  "first snippet",
		"second": "second snippet",
	}}
	// Long interval so both Observe calls land before the first tick.
	u := knowledge.NewUpdater(src, shared, knowledge.WithInterval(50*time.Millisecond))
	startUpdater(t, u)

	u.Observe("first")
	u.Observe("second")

	waitFor(t, "snippet update", func() bool {
		return shared.Knowledge() == "second snippet"
	})
	for _, q := range src.seen() {
		if q == "first" {
			t.Error("superseded observation was still retrieved")
		}
	}
}
