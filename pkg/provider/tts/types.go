package tts

// VoiceProfile identifies the voice the companion speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Metadata holds provider-specific voice attributes (accent, age,
	// description labels).
	Metadata map[string]string
}
