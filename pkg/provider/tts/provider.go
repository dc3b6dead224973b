// Package tts defines the text-to-speech provider abstraction used by the
// cascade engine to give the companion its voice. The single entry point is
// SynthesizeStream, which consumes a channel of text fragments and emits raw
// PCM as it becomes available, so synthesis can start on the first sentence
// while the language model is still writing the second.
//
// The elevenlabs subpackage implements the interface over the ElevenLabs
// websocket API; the mock subpackage provides test doubles.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting raw PCM audio as it is synthesised. The
	// caller closes the text channel to signal the end of input.
	//
	// The audio channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. The caller must drain it to
	// avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers check ctx.Err() to tell cancellation from provider failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)
}
