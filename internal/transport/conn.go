// Package transport binds the pipeline to a device over a WebSocket.
//
// Each accepted connection becomes the tail stage of its own pipeline:
// inbound binary messages are microphone audio, inbound text messages are
// JSON commands discriminated by a "type" field, and downstream frames are
// written back as audio binaries or JSON captions. The Server accepts
// connections on /ws and runs one pipeline per device for the lifetime of
// the socket.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/perkell/syrinx/internal/frame"
	"github.com/perkell/syrinx/internal/pipeline"
	"github.com/perkell/syrinx/pkg/audio"
)

// Codec selects how audio travels on the wire.
type Codec string

const (
	// CodecPCM sends raw little-endian 16-bit PCM binaries.
	CodecPCM Codec = "pcm"

	// CodecOpus sends Opus packets, transcoded at the transport boundary.
	CodecOpus Codec = "opus"
)

const (
	defaultWriteQueue  = 64
	defaultJoinTimeout = 2 * time.Second
)

var defaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Inbound device messages. "text" simulates a spoken final transcript, the
// action pair closes the behavioral reward loop from the device side.
type clientMessage struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// action_request / action_feedback
	ActionID  string            `json:"action_id,omitempty"`
	Start     frame.Position    `json:"start,omitempty"`
	End       frame.Position    `json:"end,omitempty"`
	Success   bool              `json:"success,omitempty"`
	UserDelta float64           `json:"user_delta,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Outbound JSON messages: captions and action suggestions.
type deviceMessage struct {
	Type string `json:"type"`

	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	ActionID string            `json:"action_id,omitempty"`
	Start    *frame.Position   `json:"start,omitempty"`
	End      *frame.Position   `json:"end,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type outgoing struct {
	typ  websocket.MessageType
	data []byte
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithWireFormat sets the PCM format negotiated with the device. Default
// 16 kHz mono.
func WithWireFormat(f audio.Format) ConnOption {
	return func(c *Conn) { c.wire = f }
}

// WithPipelineFormat sets the PCM format the stages above the transport
// expect. Default 16 kHz mono.
func WithPipelineFormat(f audio.Format) ConnOption {
	return func(c *Conn) { c.pipe = f }
}

// WithCodec selects the wire audio codec. Default raw PCM.
func WithCodec(codec Codec) ConnOption {
	return func(c *Conn) { c.codec = codec }
}

// WithConnJoinTimeout bounds how long teardown waits for the socket
// goroutines before abandoning them.
func WithConnJoinTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.joinTimeout = d }
}

// WithConnLogger sets the connection's logger.
func WithConnLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) { c.log = log }
}

// Conn is the tail stage bound to one device WebSocket.
//
// On Start it forwards the frame and begins its read and write loops.
// Inbound binary messages become upstream Audio frames at the pipeline
// format, inbound JSON becomes upstream Transcript, Action or Feedback
// frames. Downstream Audio is written as binary at the wire format;
// Transcript and Generated text go out as JSON captions, Action frames as
// JSON suggestions. On End or Cancel the pending writes are flushed, the
// socket is closed, and the control frame travels on once the goroutines
// have joined.
type Conn struct {
	ws          *websocket.Conn
	wire        audio.Format
	pipe        audio.Format
	codec       Codec
	joinTimeout time.Duration
	log         *slog.Logger

	upConv *audio.Converter
	dnConv *audio.Converter
	dec    *audio.OpusDecoder
	enc    *audio.OpusEncoder

	writeCh chan outgoing

	// Touched only from Process, which the pipeline calls sequentially.
	cancel  context.CancelFunc
	stopped bool

	wg     sync.WaitGroup
	wrDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ pipeline.Stage = (*Conn)(nil)

// NewConn wraps an accepted WebSocket as a pipeline tail stage.
func NewConn(ws *websocket.Conn, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		ws:          ws,
		wire:        defaultFormat,
		pipe:        defaultFormat,
		codec:       CodecPCM,
		joinTimeout: defaultJoinTimeout,
		log:         slog.Default(),
		writeCh:     make(chan outgoing, defaultWriteQueue),
		wrDone:      make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.upConv = &audio.Converter{Source: c.wire, Target: c.pipe}
	c.dnConv = &audio.Converter{Source: c.pipe, Target: c.wire}
	if c.codec == CodecOpus {
		dec, err := audio.NewOpusDecoder(c.wire)
		if err != nil {
			return nil, err
		}
		enc, err := audio.NewOpusEncoder(c.wire)
		if err != nil {
			return nil, err
		}
		c.dec, c.enc = dec, enc
	}
	return c, nil
}

func (c *Conn) Name() string { return "ws_transport" }

// Closed is closed when the device hangs up or the socket fails. The server
// watches it to tear down the connection's pipeline.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Process(ctx context.Context, f frame.Frame, dir frame.Direction, out *pipeline.Emitter) error {
	switch ff := f.(type) {
	case frame.Start:
		out.Emit(f, dir)
		c.start(ctx, out)
	case frame.End, frame.Cancel:
		c.stop()
		out.Emit(f, dir)
	case frame.Audio:
		if dir == frame.Downstream {
			c.writeAudio(ff)
			return nil
		}
		out.Emit(f, dir)
	case frame.Transcript:
		if dir == frame.Downstream {
			c.writeJSON(deviceMessage{Type: "transcript", Text: ff.Text, Final: ff.Final})
			return nil
		}
		out.Emit(f, dir)
	case frame.Generated:
		if dir == frame.Downstream {
			c.writeJSON(deviceMessage{Type: "agent_text", Text: ff.Text})
			return nil
		}
		out.Emit(f, dir)
	case frame.Action:
		if dir == frame.Downstream {
			c.writeJSON(deviceMessage{
				Type:     "action_request",
				ActionID: ff.ActionID,
				Start:    &ff.Start,
				End:      &ff.End,
				Metadata: ff.Metadata,
			})
			return nil
		}
		out.Emit(f, dir)
	default:
		out.Emit(f, dir)
	}
	return nil
}

func (c *Conn) start(ctx context.Context, out *pipeline.Emitter) {
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go c.readLoop(sctx, out)
	go c.writeLoop(sctx)
}

// readLoop turns inbound socket messages into upstream frames. It exits on
// socket failure or teardown; a failure while the stage is still live means
// the device hung up, which the server observes through Closed.
func (c *Conn) readLoop(ctx context.Context, out *pipeline.Emitter) {
	defer c.wg.Done()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("device connection closed",
					"stage", c.Name(), "error", err)
			}
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}

		if typ == websocket.MessageBinary {
			c.emitAudio(data, out)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("dropping unparseable device message",
				"stage", c.Name(), "error", err)
			continue
		}
		c.handleMessage(&msg, out)
	}
}

// emitAudio decodes and converts one inbound binary into a pipeline-format
// Audio frame.
func (c *Conn) emitAudio(data []byte, out *pipeline.Emitter) {
	if c.dec != nil {
		pcm, err := c.dec.Decode(data)
		if err != nil {
			c.log.Debug("dropping undecodable audio packet",
				"stage", c.Name(), "bytes", len(data), "error", err)
			return
		}
		data = pcm
	}
	data = c.upConv.Convert(data)
	if len(data) == 0 {
		return
	}
	out.Emit(frame.Audio{
		Data:       data,
		SampleRate: c.pipe.SampleRate,
		Channels:   c.pipe.Channels,
	}, frame.Upstream)
}

func (c *Conn) handleMessage(msg *clientMessage, out *pipeline.Emitter) {
	switch msg.Type {
	case "text":
		if msg.Text == "" {
			return
		}
		// Typed input stands in for a finished utterance.
		out.Emit(frame.Transcript{Text: msg.Text, Final: true}, frame.Upstream)

	case "action_request":
		out.Emit(frame.Action{
			ActionID: msg.ActionID,
			Start:    msg.Start,
			End:      msg.End,
			Metadata: msg.Metadata,
		}, frame.Upstream)

	case "action_feedback":
		out.Emit(frame.Feedback{
			ActionID:  msg.ActionID,
			Success:   msg.Success,
			UserDelta: msg.UserDelta,
			Metadata:  msg.Metadata,
		}, frame.Upstream)

	default:
		c.log.Debug("ignoring device message",
			"stage", c.Name(), "type", msg.Type)
	}
}

// writeLoop drains the write queue onto the socket. A failed write ends the
// loop; the read loop observes the same failure and signals Closed.
func (c *Conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.wrDone)

	for msg := range c.writeCh {
		if err := c.ws.Write(ctx, msg.typ, msg.data); err != nil {
			if ctx.Err() == nil {
				c.log.Debug("device write failed",
					"stage", c.Name(), "error", err)
			}
			return
		}
	}
}

// writeAudio converts one downstream Audio frame to the wire format and
// queues it. A full queue drops the chunk rather than stalling the pipeline.
func (c *Conn) writeAudio(a frame.Audio) {
	if c.stopped {
		return
	}
	conv := c.dnConv
	if a.SampleRate != c.pipe.SampleRate || a.Channels != c.pipe.Channels {
		// Frames arriving at another rate (e.g. the bridge's output rate)
		// get their own conversion.
		conv = &audio.Converter{
			Source: audio.Format{SampleRate: a.SampleRate, Channels: a.Channels},
			Target: c.wire,
		}
	}
	data := conv.Convert(a.Data)
	if len(data) == 0 {
		return
	}
	if c.enc != nil {
		packet, err := c.enc.Encode(data)
		if err != nil {
			c.log.Debug("dropping unencodable audio chunk",
				"stage", c.Name(), "bytes", len(data), "error", err)
			return
		}
		data = packet
	}
	c.enqueue(outgoing{typ: websocket.MessageBinary, data: data})
}

func (c *Conn) writeJSON(msg deviceMessage) {
	if c.stopped {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("marshal device message failed",
			"stage", c.Name(), "type", msg.Type, "error", err)
		return
	}
	c.enqueue(outgoing{typ: websocket.MessageText, data: data})
}

func (c *Conn) enqueue(msg outgoing) {
	select {
	case c.writeCh <- msg:
	default:
		c.log.Warn("write queue full, dropping message",
			"stage", c.Name(), "bytes", len(msg.data))
	}
}

// stop flushes pending writes, closes the socket, and joins the goroutines
// within joinTimeout. Idempotent; a duplicate control frame does no further
// work.
func (c *Conn) stop() {
	if c.stopped {
		return
	}
	c.stopped = true

	// Let the writer drain what is already queued before the socket goes
	// away. Only Process writes to writeCh, so closing here is safe.
	close(c.writeCh)
	select {
	case <-c.wrDone:
	case <-time.After(c.joinTimeout):
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ws.Close(websocket.StatusNormalClosure, "")
	c.closeOnce.Do(func() { close(c.closed) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.joinTimeout):
		c.log.Warn("transport goroutines did not stop within join timeout",
			"stage", c.Name(), "timeout", c.joinTimeout.String())
	}
}
