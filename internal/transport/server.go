package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perkell/syrinx/internal/pipeline"
)

const defaultStopTimeout = 5 * time.Second

// BuildFunc assembles a pipeline around the connection's tail stage. Called
// once per accepted device connection.
type BuildFunc func(tail pipeline.Stage) (*pipeline.Pipeline, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnOptions sets the options applied to every accepted connection.
func WithConnOptions(opts ...ConnOption) ServerOption {
	return func(s *Server) { s.connOpts = opts }
}

// WithStopTimeout bounds the orderly pipeline stop when a device hangs up,
// after which the stop escalates to cancellation.
func WithStopTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.stopTimeout = d }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// Server accepts device WebSocket connections and runs one pipeline per
// connection. The handler blocks for the lifetime of the socket: the
// pipeline ends when the device hangs up, and the socket closes when the
// pipeline ends.
type Server struct {
	build       BuildFunc
	connOpts    []ConnOption
	stopTimeout time.Duration
	log         *slog.Logger
}

var _ http.Handler = (*Server)(nil)

// NewServer builds a transport server that assembles pipelines with build.
func NewServer(build BuildFunc, opts ...ServerOption) *Server {
	s := &Server{
		build:       build,
		stopTimeout: defaultStopTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed",
			"remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	connID := uuid.NewString()
	log := s.log.With("conn_id", connID)

	conn, err := NewConn(ws, append(s.connOpts, WithConnLogger(log))...)
	if err != nil {
		log.Error("transport setup failed", "error", err)
		ws.Close(websocket.StatusInternalError, "transport setup failed")
		return
	}

	p, err := s.build(conn)
	if err != nil {
		log.Error("pipeline assembly failed", "error", err)
		ws.Close(websocket.StatusInternalError, "pipeline assembly failed")
		return
	}

	// A hangup stops the pipeline; a stop that overruns its deadline is
	// escalated to Cancel inside Stop.
	go func() {
		select {
		case <-conn.Closed():
			ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
			defer cancel()
			p.Stop(ctx)
		case <-p.Done():
		}
	}()

	log.Info("device connected", "remote", r.RemoteAddr)
	if err := p.Run(context.WithoutCancel(r.Context())); err != nil {
		log.Error("pipeline ended with error", "error", err)
	}
	log.Info("device disconnected", "remote", r.RemoteAddr)
	ws.Close(websocket.StatusNormalClosure, "")
}
