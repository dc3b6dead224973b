package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: anything touching
// providers, addresses or storage needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PromptChanged is true when the system prompt template changed. The
	// next established session picks the new template up.
	PromptChanged bool

	// VoiceChanged is true when the agent voice changed.
	VoiceChanged bool

	// TemperatureChanged is true when the LLM sampling temperature changed.
	TemperatureChanged bool

	// CommandsChanged is true when either spoken trigger list changed.
	CommandsChanged bool
}

// Any reports whether the diff contains any change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PromptChanged || d.VoiceChanged ||
		d.TemperatureChanged || d.CommandsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.PromptTemplate != new.Agent.PromptTemplate {
		d.PromptChanged = true
	}
	if old.Agent.Voice != new.Agent.Voice {
		d.VoiceChanged = true
	}
	if old.Agent.Temperature != new.Agent.Temperature {
		d.TemperatureChanged = true
	}

	if !slices.Equal(old.Commands.Interrupt, new.Commands.Interrupt) ||
		!slices.Equal(old.Commands.Reset, new.Commands.Reset) {
		d.CommandsChanged = true
	}

	return d
}
