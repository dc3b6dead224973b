package stt

// Transcript is one recognition result, interim or utterance-final.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// Final marks an authoritative result. Interim hypotheses carry false
	// and may be revised by later emissions.
	Final bool

	// Confidence in the range 0.0 to 1.0. Zero when the provider does not
	// report one.
	Confidence float64
}
