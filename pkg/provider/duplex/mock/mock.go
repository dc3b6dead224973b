// Package mock provides test doubles for the duplex package interfaces.
//
// Use Provider to verify Provision/Dial calls and feed controlled sessions.
// Use Session to drive the bidirectional audio/event streams and inspect
// what the bridge sent upstream.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.AudioCh <- pcm // arrives via Session.Audio()
package mock

import (
	"context"
	"sync"

	"github.com/perkell/syrinx/pkg/provider/duplex"
)

// ProvisionCall records a single invocation of Provider.Provision.
type ProvisionCall struct {
	// Ctx is the context passed to Provision.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Provision.
	Cfg duplex.SessionConfig
}

// DialCall records a single invocation of Provider.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Info is the SessionInfo passed to Dial.
	Info duplex.SessionInfo
}

// Provider is a mock implementation of duplex.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Dial. If nil, Dial returns a new default Session.
	Session *Session

	// SessionQueue, if non-empty, supplies the session returned by each Dial
	// in order, taking priority over Session. Lets tests hand a fresh session
	// to every redial.
	SessionQueue []*Session

	// Info is the SessionInfo returned by Provision. If zero, Provision returns
	// a fixed placeholder.
	Info duplex.SessionInfo

	// ProvisionErr, if non-nil, is returned as the error from Provision.
	ProvisionErr error

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// ProvisionGate, if non-nil, blocks Provision until the channel is closed
	// or the context is cancelled. Lets tests hold a session in the
	// provisioning phase.
	ProvisionGate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities duplex.Capabilities

	// ProvisionCalls records every call to Provision in order.
	ProvisionCalls []ProvisionCall

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Provision records the call, waits on ProvisionGate if set, and returns
// Info, ProvisionErr.
func (p *Provider) Provision(ctx context.Context, cfg duplex.SessionConfig) (duplex.SessionInfo, error) {
	p.mu.Lock()
	p.ProvisionCalls = append(p.ProvisionCalls, ProvisionCall{Ctx: ctx, Cfg: cfg})
	gate := p.ProvisionGate
	info := p.Info
	provisionErr := p.ProvisionErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return duplex.SessionInfo{}, ctx.Err()
		}
	}
	if provisionErr != nil {
		return duplex.SessionInfo{}, provisionErr
	}
	if info == (duplex.SessionInfo{}) {
		info = duplex.SessionInfo{SessionID: "mock-session", JoinEndpoint: "ws://mock.invalid/join"}
	}
	return info, nil
}

// Dial records the call and returns Session, DialErr.
func (p *Provider) Dial(ctx context.Context, info duplex.SessionInfo) (duplex.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DialCalls = append(p.DialCalls, DialCall{Ctx: ctx, Info: info})
	if p.DialErr != nil {
		return nil, p.DialErr
	}
	if len(p.SessionQueue) > 0 {
		s := p.SessionQueue[0]
		p.SessionQueue = p.SessionQueue[1:]
		return s, nil
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() duplex.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Dialed reports whether Dial has been called at least once. Thread-safe.
func (p *Provider) Dialed() bool {
	return p.DialCount() > 0
}

// DialCount returns the number of Dial calls so far. Thread-safe.
func (p *Provider) DialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.DialCalls)
}

// Provisions returns a copy of the recorded Provision calls. Thread-safe.
func (p *Provider) Provisions() []ProvisionCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProvisionCall, len(p.ProvisionCalls))
	copy(out, p.ProvisionCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProvisionCalls = nil
	p.DialCalls = nil
}

// Ensure Provider implements duplex.Provider at compile time.
var _ duplex.Provider = (*Provider)(nil)

// Session is a mock implementation of duplex.Session.
// Tests push into AudioCh and EventCh to simulate remote traffic, and close
// both (or call CloseRemote) to simulate the receive loop shutting down.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel.
	AudioCh chan []byte

	// EventCh is the channel returned by Events(). Callers own this channel.
	EventCh chan duplex.Event

	// Sent, if non-nil, receives a copy of every chunk passed to SendAudio.
	// Callers must drain it; sends block.
	Sent chan []byte

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SendAudioCalls records a copy of every chunk passed to SendAudio, in order.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	remoteClosed bool
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		AudioCh: make(chan []byte, 64),
		EventCh: make(chan duplex.Event, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	sent := s.Sent
	sendErr := s.SendAudioErr
	s.mu.Unlock()

	if sent != nil {
		sent <- cp
	}
	return sendErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// Events returns EventCh.
func (s *Session) Events() <-chan duplex.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call, closes the outbound channels on first use and
// returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.remoteClosed {
		s.remoteClosed = true
		close(s.AudioCh)
		close(s.EventCh)
	}
	return s.CloseErr
}

// CloseRemote simulates the remote end dropping the connection: err becomes
// the session error and both channels close. Safe to call once.
func (s *Session) CloseRemote(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteClosed {
		return
	}
	s.remoteClosed = true
	s.ErrVal = err
	close(s.AudioCh)
	close(s.EventCh)
}

// Sends returns a copy of the recorded SendAudio chunks. Thread-safe.
func (s *Session) Sends() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Closed reports whether Close or CloseRemote has run. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteClosed
}

// Ensure Session implements duplex.Session at compile time.
var _ duplex.Session = (*Session)(nil)
