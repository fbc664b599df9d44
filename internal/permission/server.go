package permission

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/session/models"
)

const writeTimeout = 10 * time.Second

// PolicySource resolves the permission mode of a session at request time.
type PolicySource interface {
	PermissionMode(ctx context.Context, sessionID string) (models.PermissionMode, error)
}

// PolicyFunc adapts a function to PolicySource.
type PolicyFunc func(ctx context.Context, sessionID string) (models.PermissionMode, error)

// PermissionMode implements PolicySource.
func (f PolicyFunc) PermissionMode(ctx context.Context, sessionID string) (models.PermissionMode, error) {
	return f(ctx, sessionID)
}

// Server answers permission requests for every session over one unix socket.
type Server struct {
	socketPath     string
	policy         PolicySource
	eventBus       bus.EventBus
	logger         *logger.Logger
	requestTimeout time.Duration
	readTimeout    time.Duration

	listener  net.Listener
	available atomic.Bool
	closed    atomic.Bool
	conns     map[net.Conn]struct{}
	connsMu   sync.Mutex
	wg        sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithReadTimeout overrides how long a connection may stay idle mid-request.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithSocketPath overrides the generated socket path.
func WithSocketPath(path string) Option {
	return func(s *Server) { s.socketPath = path }
}

// NewServer creates a permission server. eventBus may be nil.
func NewServer(cfg config.PermissionConfig, policy PolicySource, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Default()
	}
	socketDir := cfg.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	requestTimeout := cfg.RequestTimeout()
	if requestTimeout <= 0 {
		requestTimeout = constants.PermissionRequestTimeout
	}

	// unix socket paths are limited to ~104 bytes, keep the name short
	shortID := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	s := &Server{
		socketPath:     filepath.Join(socketDir, "conductor-"+shortID+".sock"),
		policy:         policy,
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "permission-server")),
		requestTimeout: requestTimeout,
		readTimeout:    constants.PermissionReadTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SocketPath returns the path agents connect to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Available reports whether the server is accepting requests.
func (s *Server) Available() bool {
	return s.available.Load() && !s.closed.Load()
}

// Start binds the socket and begins accepting connections. On failure the server
// stays unavailable and the error is a PermissionChannelUnavailable error.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return apperrors.PermissionChannelUnavailable(err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return apperrors.PermissionChannelUnavailable(fmt.Errorf("remove stale socket: %w", err))
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.logger.Warn("permission channel unavailable", zap.String("socket", s.socketPath), zap.Error(err))
		return apperrors.PermissionChannelUnavailable(err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return apperrors.PermissionChannelUnavailable(err)
	}

	s.listener = listener
	s.available.Store(true)
	s.logger.Info("permission channel listening", zap.String("socket", s.socketPath))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error (continuing)", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	_ = conn.Close()
}

// handleConn answers requests on one connection until the peer closes it or goes idle.
func (s *Server) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && strings.TrimSpace(line) != "" {
				s.writeResponse(conn, deny("request read timed out"))
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.Warn("malformed permission request", zap.Error(err))
			s.writeResponse(conn, deny("malformed request"))
			continue
		}

		resp := s.Decide(context.Background(), req)
		s.writeResponse(conn, resp)
	}
}

// Decide resolves a request against the session's permission mode. Lookup failures
// and lookups exceeding the request timeout resolve to deny.
func (s *Server) Decide(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	type lookup struct {
		mode models.PermissionMode
		err  error
	}
	done := make(chan lookup, 1)
	go func() {
		mode, err := s.policy.PermissionMode(ctx, req.SessionID)
		done <- lookup{mode: mode, err: err}
	}()

	var resp Response
	select {
	case res := <-done:
		resp = decisionFor(res.mode, res.err)
	case <-ctx.Done():
		resp = deny("permission decision timed out")
	}

	log := s.logger.WithSessionID(req.SessionID)
	log.Info("permission decided",
		zap.String("tool", req.ToolName),
		zap.String("decision", string(resp.Decision)),
		zap.String("reason", resp.Reason))
	s.publish(req, resp)
	return resp
}

func decisionFor(mode models.PermissionMode, err error) Response {
	switch {
	case err != nil && apperrors.IsSessionNotFound(err):
		return deny("unknown session")
	case err != nil:
		return deny("policy lookup failed")
	case mode == models.PermissionModeAutoApprove:
		return Response{Decision: DecisionApprove}
	case mode == models.PermissionModeAutoDeny:
		return deny("session permission mode is auto-deny")
	default:
		return deny(fmt.Sprintf("unknown permission mode %q", mode))
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal permission response", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug("failed to write permission response", zap.Error(err))
	}
}

func (s *Server) publish(req Request, resp Response) {
	if s.eventBus == nil || req.SessionID == "" {
		return
	}
	event := bus.NewEvent(events.PermissionDecided, "permission-server", map[string]interface{}{
		"session_id": req.SessionID,
		"tool_name":  req.ToolName,
		"decision":   string(resp.Decision),
		"reason":     resp.Reason,
	})
	if err := s.eventBus.Publish(context.Background(), events.SessionSubject(events.PermissionDecided, req.SessionID), event); err != nil {
		s.logger.Debug("failed to publish permission event", zap.Error(err))
	}
}

// Close stops accepting, drops open connections and removes the socket file.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.available.Store(false)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if s.listener != nil {
		if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove socket file", zap.String("socket", s.socketPath), zap.Error(rmErr))
		}
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
