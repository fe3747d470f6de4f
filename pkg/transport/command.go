package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
	"github.com/mcpmacos/mcphost/pkg/logging"
)

// commandStopGrace is how long Stop waits for the child to exit after its
// stdin is closed before killing it
const commandStopGrace = 5 * time.Second

// CommandTransport launches a child MCP server and talks to it over its
// stdin and stdout. The child's stderr is forwarded to the logger.
type CommandTransport struct {
	*StdioTransport
	config TransportConfig
	logger *zap.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	pipes         []*os.File
	exited        chan struct{}
	stderrDone    chan struct{}
	waitErr       error
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

// NewCommandTransport creates a transport for config.Command. The process is
// started by Initialize.
func NewCommandTransport(config TransportConfig) *CommandTransport {
	return &CommandTransport{
		config:        config,
		logger:        logging.OrNop(config.Logger).With(zap.String("command", config.Command)),
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Initialize starts the child process
func (t *CommandTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return mcperrors.ConnectionFailed("command", t.config.Command, err)
	}
	// Wait closes pipes made by StdoutPipe while they may still hold unread
	// output, so the read ends here belong to the transport and outlive Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return mcperrors.ConnectionFailed("command", t.config.Command, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return mcperrors.ConnectionFailed("command", t.config.Command, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return mcperrors.ConnectionFailed("command", t.config.Command, err)
	}
	t.logger.Debug("started child server", zap.Int("pid", cmd.Process.Pid))

	t.cmd = cmd
	t.stdin = stdin
	t.pipes = []*os.File{stdoutR, stderrR}
	t.exited = make(chan struct{})
	t.StdioTransport = NewStdioTransport(stdoutR, stdin, t.logger)
	for method, h := range t.requests {
		t.StdioTransport.RegisterRequestHandler(method, h)
	}
	for method, h := range t.notifications {
		t.StdioTransport.RegisterNotificationHandler(method, h)
	}

	t.stderrDone = make(chan struct{})
	go t.forwardStderr(stderrR)
	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		t.waitErr = err
		t.mu.Unlock()
		close(t.exited)
	}()
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (t *CommandTransport) forwardStderr(r io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Info("child stderr", zap.String("line", scanner.Text()))
	}
}

func (t *CommandTransport) stdio() (*StdioTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StdioTransport == nil {
		return nil, mcperrors.TransportNotInitialized("command")
	}
	return t.StdioTransport, nil
}

// Start reads the child's stdout until it exits
func (t *CommandTransport) Start(ctx context.Context) error {
	s, err := t.stdio()
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// SendRequest sends a request to the child
func (t *CommandTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s, err := t.stdio()
	if err != nil {
		return nil, err
	}
	return s.SendRequest(ctx, method, params)
}

// SendNotification sends a notification to the child
func (t *CommandTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	s, err := t.stdio()
	if err != nil {
		return err
	}
	return s.SendNotification(ctx, method, params)
}

// RegisterRequestHandler may be called before or after Initialize
func (t *CommandTransport) RegisterRequestHandler(method string, handler RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[method] = handler
	if t.StdioTransport != nil {
		t.StdioTransport.RegisterRequestHandler(method, handler)
	}
}

// RegisterNotificationHandler may be called before or after Initialize
func (t *CommandTransport) RegisterNotificationHandler(method string, handler NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifications[method] = handler
	if t.StdioTransport != nil {
		t.StdioTransport.RegisterNotificationHandler(method, handler)
	}
}

// Stop closes the child's stdin and waits for it to exit, killing it after a grace period
func (t *CommandTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd, stdin, exited, s, pipes, stderrDone := t.cmd, t.stdin, t.exited, t.StdioTransport, t.pipes, t.stderrDone
	t.pipes = nil
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if s != nil {
		_ = s.Stop(ctx)
	}
	_ = stdin.Close()

	timer := time.NewTimer(commandStopGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	// Let the last stderr lines reach the log unless a descendant still
	// holds the pipe open
	select {
	case <-stderrDone:
	case <-time.After(100 * time.Millisecond):
	}
	closeAll(pipes...)
	return nil
}

// ExitErr returns the child's exit error once it has exited
func (t *CommandTransport) ExitErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitErr
}
