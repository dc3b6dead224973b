package app

import (
	"context"
	"testing"

	"github.com/perkell/syrinx/internal/config"
	"github.com/perkell/syrinx/internal/knowledge"
	llmmock "github.com/perkell/syrinx/pkg/provider/llm/mock"
	sttmock "github.com/perkell/syrinx/pkg/provider/stt/mock"
	ttsmock "github.com/perkell/syrinx/pkg/provider/tts/mock"
)

func newReloadApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, &Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestApplyConfigChangeSwapsPromptTemplate(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Mode:   config.ModeCascade,
		Agent:  config.AgentConfig{PromptTemplate: "v1: {rag_context}"},
	}
	a := newReloadApp(t, oldCfg)
	if got := a.promptTemplate(); got != "v1: {rag_context}" {
		t.Fatalf("initial template = %q", got)
	}

	newCfg := *oldCfg
	newCfg.Agent.PromptTemplate = "v2: {rag_context}"
	a.ApplyConfigChange(oldCfg, &newCfg)

	if got := a.promptTemplate(); got != "v2: {rag_context}" {
		t.Errorf("template after reload = %q, want the new one", got)
	}
}

func TestApplyConfigChangeEmptyPromptRestoresDefault(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Mode:   config.ModeCascade,
		Agent:  config.AgentConfig{PromptTemplate: "custom {rag_context}"},
	}
	a := newReloadApp(t, oldCfg)

	newCfg := *oldCfg
	newCfg.Agent.PromptTemplate = ""
	a.ApplyConfigChange(oldCfg, &newCfg)

	if got := a.promptTemplate(); got != knowledge.DefaultTemplate {
		t.Errorf("template after clearing = %q, want the default", got)
	}
}

func TestApplyConfigChangeSwapsTriggers(t *testing.T) {
	t.Parallel()

	oldCfg := &config.Config{
		Server:   config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Mode:     config.ModeCascade,
		Commands: config.CommandsConfig{Reset: []string{"start over"}},
	}
	a := newReloadApp(t, oldCfg)

	newCfg := *oldCfg
	newCfg.Commands = config.CommandsConfig{Reset: []string{"clean slate"}}

	// Must route the change into the engine without touching live state.
	a.ApplyConfigChange(oldCfg, &newCfg)
}
