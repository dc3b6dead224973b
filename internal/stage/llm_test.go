package stage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/internal/stage"
	"github.com/perkell/syrinx/pkg/provider/llm"
	llmmock "github.com/perkell/syrinx/pkg/provider/llm/mock"
)

func newLLMPipeline(t *testing.T, l *stage.LLM) (*probe, func() error) {
	t.Helper()
	pr := newProbe()
	p, err := pipeline.New([]pipeline.Stage{l, pr})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	wait := startPipeline(t, p)
	pr.awaitStart(t)
	return pr, wait
}

func TestLLMTurnsFinalTranscriptIntoGeneratedText(t *testing.T) {
	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "I can help with that."},
	}
	l := stage.NewLLM(prov,
		stage.WithLLMPromptSource(func() string { return "system prompt" }))

	pr, _ := newLLMPipeline(t, l)

	pr.emitUpstream(t, frame.Transcript{Text: "can you help me", Final: true})

	r := pr.await(t, "generated", 3*time.Second)
	if r.dir != frame.Downstream {
		t.Errorf("generated direction = %s, want downstream", r.dir)
	}
	if got := r.f.(frame.Generated).Text; got != "I can help with that." {
		t.Errorf("generated text = %q", got)
	}

	waitFor(t, "complete call", func() bool { return len(prov.CompleteCalls) == 1 })
	req := prov.CompleteCalls[0].Req
	if req.SystemPrompt != "system prompt" {
		t.Errorf("SystemPrompt = %q, want the prompt built at request time", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "can you help me" {
		t.Errorf("Messages = %+v, want single user turn", req.Messages)
	}
}

func TestLLMIgnoresPartialTranscripts(t *testing.T) {
	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "reply"},
	}
	l := stage.NewLLM(prov)

	pr, _ := newLLMPipeline(t, l)

	pr.emitUpstream(t, frame.Transcript{Text: "can you", Final: false})
	pr.awaitNone(t, "generated", 100*time.Millisecond)
	if len(prov.CompleteCalls) != 0 {
		t.Fatalf("got %d completion calls for a partial transcript, want 0", len(prov.CompleteCalls))
	}
}

func TestLLMCarriesConversationHistory(t *testing.T) {
	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "reply"},
	}
	l := stage.NewLLM(prov)

	pr, _ := newLLMPipeline(t, l)

	pr.emitUpstream(t, frame.Transcript{Text: "first question", Final: true})
	pr.await(t, "generated", 3*time.Second)
	pr.emitUpstream(t, frame.Transcript{Text: "second question", Final: true})
	pr.await(t, "generated", 3*time.Second)

	waitFor(t, "two complete calls", func() bool { return len(prov.CompleteCalls) == 2 })
	second := prov.CompleteCalls[1].Req.Messages
	if len(second) != 3 {
		t.Fatalf("second request carries %d messages, want user+assistant+user", len(second))
	}
	if second[0].Content != "first question" || second[1].Role != "assistant" {
		t.Errorf("history = %+v, want the first exchange replayed", second)
	}
}

func TestLLMCompletionFailureDropsUtterance(t *testing.T) {
	prov := &llmmock.Provider{CompleteErr: errors.New("model overloaded")}
	l := stage.NewLLM(prov)

	pr, _ := newLLMPipeline(t, l)

	pr.emitUpstream(t, frame.Transcript{Text: "hello", Final: true})
	waitFor(t, "complete attempted", func() bool { return len(prov.CompleteCalls) == 1 })
	pr.awaitNone(t, "generated", 100*time.Millisecond)

	// The failure stayed local: the pipeline was not cancelled.
	pr.awaitNone(t, "cancel", 100*time.Millisecond)
}

func TestLLMForwardsControlFramesOnShutdown(t *testing.T) {
	prov := &llmmock.Provider{}
	l := stage.NewLLM(prov)

	pr := newProbe()
	p, err := pipeline.New([]pipeline.Stage{l, pr})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	wait := startPipeline(t, p)
	pr.awaitStart(t)

	p.Cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if !pr.sawFrame("cancel") {
		t.Error("Cancel did not reach the downstream stage")
	}
}
