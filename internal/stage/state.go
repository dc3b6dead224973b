package stage

import "fmt"

// ConnState is the connection lifecycle of a session-owning stage.
type ConnState int32

const (
	// ConnUnconnected means no session has been requested yet.
	ConnUnconnected ConnState = iota

	// ConnConnecting means provisioning or dialling is in progress.
	ConnConnecting

	// ConnStreaming means the session is live and audio flows both ways.
	ConnStreaming

	// ConnClosing means teardown has begun.
	ConnClosing

	// ConnClosed means the session is fully torn down.
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnUnconnected:
		return "unconnected"
	case ConnConnecting:
		return "connecting"
	case ConnStreaming:
		return "streaming"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("connstate(%d)", int32(s))
	}
}
