// Package stt defines the speech-to-text provider abstraction used by the
// cascade engine. A Provider opens streaming transcription sessions; the
// session accepts raw PCM from the device microphone and emits Transcript
// values on two channels, one for interim hypotheses and one for
// authoritative utterance-final results.
//
// Implementations live in subpackages (whisper for a whisper.cpp server over
// HTTP, plus a native CGO variant behind the whisper_native build tag). The
// mock subpackage provides test doubles.
package stt

import "context"

// StreamConfig describes the audio a session will receive. Zero values fall
// back to provider defaults.
type StreamConfig struct {
	// SampleRate of the incoming PCM in Hz, e.g. 16000.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Language is a BCP-47 code such as "en" or "de". Empty lets the
	// provider apply its default.
	Language string
}

// SessionHandle is a live transcription stream. SendAudio may be called from
// any goroutine; the Partials and Finals channels are closed when the session
// ends, whether by Close or by expiry of the StartStream context.
type SessionHandle interface {
	// SendAudio queues a chunk of 16-bit little-endian PCM for recognition.
	// It returns an error once the session is closed.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Receivers must not assume every
	// utterance produces a partial.
	Partials() <-chan Transcript

	// Finals emits one authoritative transcript per detected utterance.
	Finals() <-chan Transcript

	// Close ends the session, flushing any buffered speech first. Safe to
	// call more than once.
	Close() error
}

// Provider opens transcription sessions. Implementations must support
// multiple concurrent sessions.
type Provider interface {
	// StartStream begins a new session. The context bounds the session's
	// lifetime: when it is cancelled the session flushes and shuts down.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
