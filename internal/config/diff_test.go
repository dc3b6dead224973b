package config_test

import (
	"testing"

	"github.com/perkell/syrinx/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent: config.AgentConfig{
			PromptTemplate: "You are a helpful assistant.",
			Voice:          "terrence",
			Temperature:    0.7,
		},
		Commands: config.CommandsConfig{
			Interrupt: []string{"stop"},
			Reset:     []string{"reset context"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_PromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{PromptTemplate: "persona one"}}
	new := &config.Config{Agent: config.AgentConfig{PromptTemplate: "persona two"}}

	d := config.Diff(old, new)
	if !d.PromptChanged {
		t.Error("expected PromptChanged=true")
	}
	if d.VoiceChanged {
		t.Error("expected VoiceChanged=false")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{Voice: "terrence"}}
	new := &config.Config{Agent: config.AgentConfig{Voice: "lily"}}

	d := config.Diff(old, new)
	if !d.VoiceChanged {
		t.Error("expected VoiceChanged=true")
	}
}

func TestDiff_TemperatureChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Agent: config.AgentConfig{Temperature: 0.7}}
	new := &config.Config{Agent: config.AgentConfig{Temperature: 0.9}}

	d := config.Diff(old, new)
	if !d.TemperatureChanged {
		t.Error("expected TemperatureChanged=true")
	}
}

func TestDiff_CommandsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Commands: config.CommandsConfig{Interrupt: []string{"stop"}}}
	new := &config.Config{Commands: config.CommandsConfig{Interrupt: []string{"stop", "be quiet"}}}

	d := config.Diff(old, new)
	if !d.CommandsChanged {
		t.Error("expected CommandsChanged=true")
	}
}

func TestDiff_ResetPhrasesChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Commands: config.CommandsConfig{Reset: []string{"reset context"}}}
	new := &config.Config{Commands: config.CommandsConfig{Reset: []string{"forget everything"}}}

	d := config.Diff(old, new)
	if !d.CommandsChanged {
		t.Error("expected CommandsChanged=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{Voice: "terrence", Temperature: 0.7},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Agent:  config.AgentConfig{Voice: "lily", Temperature: 0.3},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.VoiceChanged {
		t.Error("expected VoiceChanged=true")
	}
	if !d.TemperatureChanged {
		t.Error("expected TemperatureChanged=true")
	}
	if !d.Any() {
		t.Error("expected Any()=true")
	}
}
