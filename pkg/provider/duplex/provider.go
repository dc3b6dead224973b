// Package duplex defines the Provider interface for unified speech-to-speech
// backends reached through a provisioned session.
//
// A duplex provider wraps a real-time voice AI service that accepts raw audio
// and returns synthesised audio plus interleaved text events over a single
// bidirectional connection, replacing the separate STT, LLM and TTS hops
// entirely. Establishing a session is a two-step handshake with distinct
// failure modes: Provision asks the service's REST surface for a session and
// its join endpoint, then Dial opens the streaming connection to that
// endpoint. The split exists so callers can wrap provisioning in their own
// resilience policy and can tell a rejected session apart from a failed
// connection.
//
// All implementations must be safe for concurrent use.
package duplex

import (
	"context"
	"errors"
)

// ErrSessionCreation marks a failure to provision a remote session. Errors
// returned by Provision wrap this sentinel.
var ErrSessionCreation = errors.New("session creation failed")

// ErrConnection marks a failure to open or keep the duplex connection.
// Errors returned by Dial wrap this sentinel.
var ErrConnection = errors.New("duplex connection failed")

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session closed")

// SessionConfig carries everything a provider needs to provision a session.
type SessionConfig struct {
	// SystemPrompt is the fully assembled instruction text for the remote
	// agent, knowledge snippet and learned strategy already substituted in.
	SystemPrompt string

	// Voice overrides the provider's default voice when non-empty.
	Voice string

	// Model overrides the provider's default model when non-empty.
	Model string

	// InputSampleRate is the PCM rate of audio sent to the remote agent.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of audio the remote agent returns.
	OutputSampleRate int

	// AgentSpeaksFirst makes the remote agent open the conversation.
	AgentSpeaksFirst bool
}

// SessionInfo identifies a provisioned session.
type SessionInfo struct {
	// SessionID is the provider-assigned identity of the session.
	SessionID string

	// JoinEndpoint is the URL Dial connects to. It is typically
	// pre-authorized and single-use.
	JoinEndpoint string
}

// EventType discriminates the non-audio events a session surfaces.
type EventType string

const (
	// EventTranscript is recognized user or agent speech.
	EventTranscript EventType = "transcript"

	// EventAgentText is the text of an agent response.
	EventAgentText EventType = "agent_response"

	// EventState is a provider-side state change, informational only.
	EventState EventType = "state"
)

// Event is one structured (non-audio) message from the remote session.
type Event struct {
	Type EventType

	// Text carries the transcript or agent response body.
	Text string

	// Role is the speaker for transcripts: "user" or "agent".
	Role string

	// Final marks the closing transcript of an utterance.
	Final bool

	// State carries the provider state name for EventState.
	State string
}

// Session is a live duplex connection.
//
// SendAudio calls are serialized by the caller; chunks go out in call order.
// The Audio and Events channels are owned by the session's receive loop and
// are closed when the session terminates for any reason. After the channels
// close, Err reports what ended the session, or nil after a clean Close.
type Session interface {
	// SendAudio writes one raw PCM chunk to the remote agent.
	SendAudio(chunk []byte) error

	// Audio returns the remote agent's synthesised speech.
	Audio() <-chan []byte

	// Events returns transcripts, agent text and state updates.
	Events() <-chan Event

	// Err returns the first error that terminated the session, if any.
	Err() error

	// Close tears down the connection and releases resources. Idempotent.
	Close() error
}

// Capabilities describes static properties of a duplex provider.
type Capabilities struct {
	// InputSampleRate and OutputSampleRate are the provider's native rates.
	InputSampleRate  int
	OutputSampleRate int

	// Voices lists selectable voice names, when the provider reports them.
	Voices []string
}

// Provider provisions and connects duplex sessions.
type Provider interface {
	// Provision creates a remote session. Failures wrap ErrSessionCreation.
	Provision(ctx context.Context, cfg SessionConfig) (SessionInfo, error)

	// Dial opens the duplex connection to a provisioned session. Failures
	// wrap ErrConnection.
	Dial(ctx context.Context, info SessionInfo) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
