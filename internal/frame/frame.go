// Package frame defines the typed messages that flow between pipeline stages.
//
// A Frame is one of a closed set of variants: lifecycle control signals,
// audio, text, and the action/feedback pair used by the behavioral reward
// loop. Frames are immutable once created and carry no stage-specific state.
// The direction a frame travels in is a property of its delivery, decided by
// the emitting stage, and is therefore passed alongside the frame rather
// than stored inside it.
package frame

import "fmt"

// Direction says which way a frame travels through the pipeline.
//
// Upstream frames move from the user's device toward the agent brain at the
// head of the pipeline (microphone audio, transcripts on their way to the
// language model, action feedback). Downstream frames move from the brain
// back toward the device (synthesized audio, captions, action requests).
type Direction uint8

const (
	// Downstream flows from the head of the pipeline toward the device.
	Downstream Direction = iota

	// Upstream flows from the device toward the head of the pipeline.
	Upstream
)

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == Downstream {
		return Upstream
	}
	return Downstream
}

func (d Direction) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Frame is a single message travelling between stages. The set of
// implementations is closed; a type switch over the variants below is
// exhaustive.
type Frame interface {
	// sealed prevents implementations outside this package so that stages
	// can rely on an exhaustive type switch.
	sealed()
}

// Start announces that the pipeline is live. Every stage observes Start
// before any data frame it is expected to process.
type Start struct{}

// End announces an orderly shutdown. It is broadcast only after all
// in-flight data frames have drained.
type End struct{}

// Cancel demands that stages abort promptly and release their resources
// within the pipeline's grace period.
type Cancel struct{}

// Audio is a chunk of PCM samples.
type Audio struct {
	// Data holds raw little-endian 16-bit PCM. Not to be mutated after the
	// frame is emitted; stages that transform audio allocate fresh buffers.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Transcript is recognized speech. Partial transcripts stream in with
// Final false; the closing result of an utterance has Final true.
type Transcript struct {
	Text  string
	Final bool
}

// Generated is text produced by the agent, either by the language model in
// cascade mode or relayed from the remote agent by the duplex bridge.
type Generated struct {
	Text string
}

// Action instructs an actuator to perform a pointer gesture between two
// screen positions.
type Action struct {
	// ActionID correlates the eventual Feedback frame with this request.
	ActionID string

	Start Position
	End   Position

	// Metadata is carried through to the Feedback frame untouched. The
	// reward loop expects situation_hash, intent and actuator_id keys.
	Metadata map[string]string
}

// Feedback reports the observed outcome of an action: whether it succeeded
// and how far the user's own input landed from the suggested position.
type Feedback struct {
	ActionID string
	Success  bool

	// UserDelta is the distance in pixels between the suggested position and
	// where the user actually interacted.
	UserDelta float64

	Metadata map[string]string
}

// Position is a point in device screen coordinates.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Metadata keys the reward loop requires on Action and Feedback frames.
const (
	MetaSituationHash = "situation_hash"
	MetaIntent        = "intent"
	MetaActuatorID    = "actuator_id"
)

func (Start) sealed()      {}
func (End) sealed()        {}
func (Cancel) sealed()     {}
func (Audio) sealed()      {}
func (Transcript) sealed() {}
func (Generated) sealed()  {}
func (Action) sealed()     {}
func (Feedback) sealed()   {}

// IsControl reports whether f is one of the lifecycle signals that every
// stage must forward.
func IsControl(f Frame) bool {
	switch f.(type) {
	case Start, End, Cancel:
		return true
	default:
		return false
	}
}

// Name returns a short identifier for logging.
func Name(f Frame) string {
	switch f.(type) {
	case Start:
		return "start"
	case End:
		return "end"
	case Cancel:
		return "cancel"
	case Audio:
		return "audio"
	case Transcript:
		return "transcript"
	case Generated:
		return "generated"
	case Action:
		return "action"
	case Feedback:
		return "feedback"
	default:
		return fmt.Sprintf("%T", f)
	}
}
