// Package process supervises the agent subprocess of each session.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/protocol"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/session/models"
)

const tracerName = "conductor-agent"

// Environment variables passed to every agent.
const (
	EnvSessionID        = "CONDUCTOR_SESSION_ID"
	EnvPermissionSocket = "CONDUCTOR_PERMISSION_SOCKET"
	EnvPermissionMode   = "CONDUCTOR_PERMISSION_MODE"
	EnvSystemPrompt     = "CONDUCTOR_SYSTEM_PROMPT"
)

const (
	defaultStderrBufferSize = 50
	maxLineSize             = 4 * 1024 * 1024
)

// ErrAlreadyRunning is returned when a session already has a live process.
var ErrAlreadyRunning = errors.New("session already has a live process")

// PermissionEndpoint is the permission channel agents are pointed at.
type PermissionEndpoint interface {
	SocketPath() string
	Available() bool
}

// Handler receives everything a supervised process produces. Calls for one session
// are made from that session's reader goroutines; HandleExit is always the last call.
type Handler interface {
	HandleEvent(sessionID string, ev protocol.Event)
	HandleOutput(sessionID string, stream models.OutputType, data string)
	HandleExit(sessionID string, result ExitResult)
}

// ExitResult describes how a process ended.
type ExitResult struct {
	ExitCode int
	// Killed is set when the exit was requested through Kill.
	Killed bool
	// Err is a ProcessCrash error for unexpected nonzero exits, nil otherwise.
	Err error
}

// SpawnRequest describes the agent to start for a session.
type SpawnRequest struct {
	SessionID      string
	WorkDir        string
	Prompt         string
	PermissionMode models.PermissionMode
	SystemPrompt   string
}

// Info describes a started process.
type Info struct {
	SessionID      string
	PID            int
	PermissionMode models.PermissionMode
	// Degraded is set when the permission channel was unavailable and the
	// agent was started with auto-deny.
	Degraded  bool
	StartedAt time.Time
}

type handle struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdinMu   sync.Mutex
	done      chan struct{}
	killed    atomic.Bool

	lastError    string
	stderrBuffer []string
	bufMu        sync.Mutex
}

// Supervisor owns the process table: at most one live process per session id.
type Supervisor struct {
	cfg        config.AgentConfig
	permission PermissionEndpoint
	handler    Handler
	logger     *logger.Logger

	mu        sync.Mutex
	processes map[string]*handle
}

// NewSupervisor creates a supervisor. permission may be nil, in which case every agent runs degraded.
func NewSupervisor(cfg config.AgentConfig, permission PermissionEndpoint, handler Handler, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		permission: permission,
		handler:    handler,
		logger:     log.WithFields(zap.String("component", "process-supervisor")),
		processes:  make(map[string]*handle),
	}
}

// SetHandler replaces the event handler. It must be called before the first Spawn.
func (s *Supervisor) SetHandler(h Handler) {
	s.handler = h
}

// Spawn starts the agent for a session and sends the initial prompt.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Info, error) {
	if req.SessionID == "" {
		return nil, apperrors.ValidationError("sessionId", "is required")
	}

	h := &handle{sessionID: req.SessionID, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.processes[req.SessionID]; exists {
		s.mu.Unlock()
		return nil, apperrors.ProcessSpawn(s.cfg.Executable, ErrAlreadyRunning)
	}
	// reserve the slot so a concurrent spawn for the same session fails
	s.processes[req.SessionID] = h
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.spawn", "session_id", req.SessionID, "work_dir", req.WorkDir)
	info, err := s.start(ctx, h, req)
	tracing.EndSpan(span, err)
	if err != nil {
		s.mu.Lock()
		delete(s.processes, req.SessionID)
		s.mu.Unlock()
		return nil, err
	}
	return info, nil
}

func (s *Supervisor) start(ctx context.Context, h *handle, req SpawnRequest) (*Info, error) {
	log := s.logger.WithSessionID(req.SessionID)

	if err := ctx.Err(); err != nil {
		return nil, apperrors.ProcessSpawn(s.cfg.Executable, err)
	}

	executable, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		return nil, apperrors.ProcessSpawn(s.cfg.Executable, err)
	}

	mode := req.PermissionMode
	if !mode.Valid() {
		mode = models.PermissionModeAutoDeny
	}
	socketPath := ""
	degraded := s.permission == nil || !s.permission.Available()
	if degraded {
		mode = models.PermissionModeAutoDeny
	} else {
		socketPath = s.permission.SocketPath()
	}

	// not CommandContext: the agent outlives the request that spawned it
	cmd := exec.Command(executable, s.cfg.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = s.buildEnv(req, mode, socketPath)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.ProcessSpawn(executable, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.ProcessSpawn(executable, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.ProcessSpawn(executable, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.ProcessSpawn(executable, err)
	}
	s.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	s.mu.Unlock()

	log.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", req.WorkDir),
		zap.String("permission_mode", string(mode)),
		zap.Bool("permission_degraded", degraded))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(h, stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(h, stderr)
	}()
	go s.waitForExit(h, &readers)

	if req.Prompt != "" {
		if err := s.write(h, req.Prompt); err != nil {
			log.Warn("failed to send initial prompt", zap.Error(err))
		}
	}

	return &Info{
		SessionID:      req.SessionID,
		PID:            cmd.Process.Pid,
		PermissionMode: mode,
		Degraded:       degraded,
		StartedAt:      time.Now().UTC(),
	}, nil
}

func (s *Supervisor) buildEnv(req SpawnRequest, mode models.PermissionMode, socketPath string) []string {
	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		EnvSessionID+"="+req.SessionID,
		EnvPermissionSocket+"="+socketPath,
		EnvPermissionMode+"="+string(mode),
	)
	if req.SystemPrompt != "" {
		env = append(env, EnvSystemPrompt+"="+req.SystemPrompt)
	}
	return env
}

// Send writes a user-input message to the session's live process.
func (s *Supervisor) Send(sessionID, text string) error {
	h := s.lookup(sessionID)
	if h == nil {
		return apperrors.ProcessNotFound(sessionID)
	}
	if err := s.write(h, text); err != nil {
		return apperrors.Wrap(err, "send user input")
	}
	return nil
}

func (s *Supervisor) write(h *handle, text string) error {
	line, err := protocol.EncodeUserInput(text)
	if err != nil {
		return err
	}
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.killed.Load() {
		return apperrors.ProcessNotFound(h.sessionID)
	}
	select {
	case <-h.done:
		return apperrors.ProcessNotFound(h.sessionID)
	default:
	}
	_, err = h.stdin.Write(line)
	return err
}

// Kill stops a session's process: SIGTERM to its process group, then SIGKILL once
// grace has elapsed. Killing a session without a live process is a no-op.
func (s *Supervisor) Kill(ctx context.Context, sessionID string, grace time.Duration) error {
	h := s.lookup(sessionID)
	if h == nil {
		return nil
	}
	if grace <= 0 {
		grace = s.cfg.KillGrace()
	}
	if grace <= 0 {
		grace = constants.DefaultKillGrace
	}

	log := s.logger.WithSessionID(sessionID)
	h.killed.Store(true)

	h.stdinMu.Lock()
	_ = h.stdin.Close()
	h.stdinMu.Unlock()

	pid := h.cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		log.Debug("failed to signal process group, signalling process", zap.Error(err))
		_ = h.cmd.Process.Signal(os.Interrupt)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		log.Info("agent process stopped gracefully")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn("force killing agent process", zap.Int("pid", pid))
	if err := killProcessGroup(pid); err != nil {
		log.Debug("failed to kill process group, trying single process", zap.Error(err))
		_ = h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KillAll stops every live process.
func (s *Supervisor) KillAll(ctx context.Context, grace time.Duration) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.processes))
	for id := range s.processes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Kill(ctx, id, grace); err != nil {
				s.logger.WithSessionID(id).Warn("failed to kill agent process", zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// IsRunning reports whether a session has a live process.
func (s *Supervisor) IsRunning(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

// Count returns the number of live processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.processes {
		if h.cmd != nil {
			n++
		}
	}
	return n
}

// RecentStderr returns the last stderr lines of a live process.
func (s *Supervisor) RecentStderr(sessionID string) []string {
	h := s.lookup(sessionID)
	if h == nil {
		return nil
	}
	return h.recentStderr()
}

// lookup returns the live handle for a session. Reserved, not yet started slots are skipped.
func (s *Supervisor) lookup(sessionID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.processes[sessionID]
	if h == nil || h.cmd == nil {
		return nil
	}
	return h
}

func (s *Supervisor) readStdout(h *handle, r io.Reader) {
	log := s.logger.WithSessionID(h.sessionID)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		s.emitOutput(h.sessionID, models.OutputTypeStdout, string(line))

		ev, err := protocol.ParseLine(line)
		if err != nil {
			log.Warn("dropping unparsable agent output", zap.Error(err), zap.String("line", truncate(string(line), 200)))
			continue
		}
		if e, ok := ev.(protocol.Error); ok {
			h.bufMu.Lock()
			h.lastError = e.Message
			h.bufMu.Unlock()
		}
		if s.handler != nil {
			s.handler.HandleEvent(h.sessionID, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug("stdout reader error", zap.Error(err))
	}
}

func (s *Supervisor) readStderr(h *handle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		h.appendStderr(line)
		s.emitOutput(h.sessionID, models.OutputTypeStderr, line)
	}
}

func (s *Supervisor) emitOutput(sessionID string, stream models.OutputType, data string) {
	if s.handler != nil {
		s.handler.HandleOutput(sessionID, stream, data)
	}
}

// waitForExit reaps the process once its output is drained, frees the table slot
// and reports the exit.
func (s *Supervisor) waitForExit(h *handle, readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	s.mu.Lock()
	if s.processes[h.sessionID] == h {
		delete(s.processes, h.sessionID)
	}
	s.mu.Unlock()

	h.stdinMu.Lock()
	close(h.done)
	h.stdinMu.Unlock()

	log := s.logger.WithSessionID(h.sessionID)
	result := ExitResult{ExitCode: 0, Killed: h.killed.Load()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
	}

	switch {
	case result.Killed:
		log.Info("agent process killed", zap.Int("exit_code", result.ExitCode))
	case result.ExitCode != 0:
		detail := h.crashDetail()
		result.Err = apperrors.ProcessCrash(h.sessionID, result.ExitCode, detail)
		log.Error("agent process crashed",
			zap.Int("exit_code", result.ExitCode),
			zap.String("detail", detail))
	default:
		log.Info("agent process exited")
	}

	if s.handler != nil {
		s.handler.HandleExit(h.sessionID, result)
	}
}

func (h *handle) appendStderr(line string) {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if len(h.stderrBuffer) >= defaultStderrBufferSize {
		h.stderrBuffer = h.stderrBuffer[1:]
	}
	h.stderrBuffer = append(h.stderrBuffer, stripANSI(line))
}

func (h *handle) recentStderr() []string {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	out := make([]string, len(h.stderrBuffer))
	copy(out, h.stderrBuffer)
	return out
}

// crashDetail prefers the agent's last error event over raw stderr.
func (h *handle) crashDetail() string {
	h.bufMu.Lock()
	lastError := h.lastError
	h.bufMu.Unlock()
	if lastError != "" {
		return lastError
	}
	stderr := h.recentStderr()
	if len(stderr) > 5 {
		stderr = stderr[len(stderr)-5:]
	}
	return strings.Join(stderr, "; ")
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
