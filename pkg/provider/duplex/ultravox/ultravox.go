// Package ultravox implements the duplex.Provider interface for the Ultravox
// real-time voice API.
//
// Sessions are provisioned through the REST surface (POST /calls), which
// returns a call ID and a pre-authorized join URL. The join URL is then
// dialled as a WebSocket: outbound binary messages carry raw PCM16 audio to
// the agent, inbound binary messages carry the agent's synthesised speech,
// and inbound text messages are JSON events discriminated by a "type" field
// (transcript, agent_response, state). Unknown or unparseable messages are
// dropped at debug level; they are never fatal to the session.
package ultravox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-resty/resty/v2"

	"github.com/perkell/syrinx/pkg/provider/duplex"
)

// Compile-time assertions that Provider and session satisfy the duplex
// interfaces.
var _ duplex.Provider = (*Provider)(nil)
var _ duplex.Session = (*session)(nil)

const (
	defaultBaseURL    = "https://api.ultravox.ai/api"
	defaultModel      = "fixie-ai/ultravox-70B"
	defaultVoice      = "terrence"
	defaultInputRate  = 16000
	defaultOutputRate = 24000

	// firstSpeakerAgent is the wire value that makes the agent open the
	// conversation.
	firstSpeakerAgent = "FIRST_SPEAKER_AGENT"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the REST base URL. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithModel sets the default Ultravox model for provisioned calls.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the default voice for provisioned calls.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithRestClient replaces the HTTP client used for provisioning.
func WithRestClient(c *resty.Client) Option {
	return func(p *Provider) { p.rest = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements duplex.Provider for Ultravox.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
	rest    *resty.Client
}

// New creates an Ultravox provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		voice:   defaultVoice,
		rest:    resty.New(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Ultravox provider.
func (p *Provider) Capabilities() duplex.Capabilities {
	return duplex.Capabilities{
		InputSampleRate:  defaultInputRate,
		OutputSampleRate: defaultOutputRate,
		Voices:           []string{"terrence", "mark", "emily"},
	}
}

// ── REST provisioning ──────────────────────────────────────────────────────────

type createCallRequest struct {
	SystemPrompt string     `json:"systemPrompt"`
	Model        string     `json:"model"`
	Voice        string     `json:"voice"`
	Medium       callMedium `json:"medium"`
	FirstSpeaker string     `json:"firstSpeaker,omitempty"`
}

type callMedium struct {
	ServerWebSocket serverWebSocketMedium `json:"serverWebSocket"`
}

type serverWebSocketMedium struct {
	InputSampleRate  int `json:"inputSampleRate"`
	OutputSampleRate int `json:"outputSampleRate"`
}

type createCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
}

// Provision creates an Ultravox call and returns its identity and join URL.
func (p *Provider) Provision(ctx context.Context, cfg duplex.SessionConfig) (duplex.SessionInfo, error) {
	body := createCallRequest{
		SystemPrompt: cfg.SystemPrompt,
		Model:        p.model,
		Voice:        p.voice,
		Medium: callMedium{ServerWebSocket: serverWebSocketMedium{
			InputSampleRate:  defaultInputRate,
			OutputSampleRate: defaultOutputRate,
		}},
	}
	if cfg.Model != "" {
		body.Model = cfg.Model
	}
	if cfg.Voice != "" {
		body.Voice = cfg.Voice
	}
	if cfg.InputSampleRate > 0 {
		body.Medium.ServerWebSocket.InputSampleRate = cfg.InputSampleRate
	}
	if cfg.OutputSampleRate > 0 {
		body.Medium.ServerWebSocket.OutputSampleRate = cfg.OutputSampleRate
	}
	if cfg.AgentSpeaksFirst {
		body.FirstSpeaker = firstSpeakerAgent
	}

	var out createCallResponse
	resp, err := p.rest.R().
		SetContext(ctx).
		SetHeader("X-API-Key", p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(p.baseURL + "/calls")
	if err != nil {
		return duplex.SessionInfo{}, fmt.Errorf("%w: ultravox: create call: %v", duplex.ErrSessionCreation, err)
	}
	if !resp.IsSuccess() {
		return duplex.SessionInfo{}, fmt.Errorf("%w: ultravox: create call: status %d: %s",
			duplex.ErrSessionCreation, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.JoinURL == "" {
		return duplex.SessionInfo{}, fmt.Errorf("%w: ultravox: create call: response missing joinUrl", duplex.ErrSessionCreation)
	}
	return duplex.SessionInfo{SessionID: out.CallID, JoinEndpoint: out.JoinURL}, nil
}

// Dial opens the duplex WebSocket to a provisioned call.
func (p *Provider) Dial(ctx context.Context, info duplex.SessionInfo) (duplex.Session, error) {
	conn, _, err := websocket.Dial(ctx, info.JoinEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ultravox: dial call %s: %v", duplex.ErrConnection, info.SessionID, err)
	}
	conn.SetReadLimit(1 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, 64),
		eventCh: make(chan duplex.Event, 16),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	Type string `json:"type"`

	// transcript / agent_response
	Text  string `json:"text,omitempty"`
	Role  string `json:"role,omitempty"`
	Final bool   `json:"final,omitempty"`

	// state
	State string `json:"state,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	eventCh chan duplex.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// audioCh and eventCh: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("%w: ultravox: read: %v", duplex.ErrConnection, err))
			return
		}

		if typ == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			select {
			case s.audioCh <- data:
			case <-s.ctx.Done():
			}
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("ultravox: dropping unparseable text message", "error", err)
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *session) handleMessage(msg *serverMessage) {
	switch msg.Type {
	case "transcript":
		if msg.Text == "" {
			return
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		s.deliver(duplex.Event{Type: duplex.EventTranscript, Text: msg.Text, Role: role, Final: msg.Final})

	case "agent_response":
		if msg.Text == "" {
			return
		}
		s.deliver(duplex.Event{Type: duplex.EventAgentText, Text: msg.Text})

	case "state":
		s.deliver(duplex.Event{Type: duplex.EventState, State: msg.State})

	default:
		slog.Debug("ultravox: ignoring message", "type", msg.Type)
	}
}

func (s *session) deliver(evt duplex.Event) {
	select {
	case s.eventCh <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.eventCh)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio writes one raw PCM16 chunk as a binary WebSocket message.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("ultravox: %w", duplex.ErrSessionClosed)
	}
	s.mu.Unlock()

	if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("%w: ultravox: send audio: %v", duplex.ErrConnection, err)
	}
	return nil
}

// Audio returns the channel carrying the agent's synthesised speech.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events returns the channel carrying transcripts and other text events.
func (s *session) Events() <-chan duplex.Event { return s.eventCh }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
