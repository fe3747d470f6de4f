package mail

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcpmacos/mcphost/pkg/logging"
)

// ScriptRunner runs a named AppleScript belonging to app and returns its
// standard output.
type ScriptRunner interface {
	Run(ctx context.Context, app, script string, args ...string) (string, error)
}

// ScriptError is returned when a script exits non-zero
type ScriptError struct {
	Script   string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *ScriptError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("script %s exited with status %d", e.Script, e.ExitCode)
	}
	return fmt.Sprintf("script %s exited with status %d: %s", e.Script, e.ExitCode, msg)
}

// RunJSON runs a script whose output is a JSON document and decodes it
// into out.
func RunJSON(ctx context.Context, r ScriptRunner, out interface{}, app, script string, args ...string) error {
	stdout, err := r.Run(ctx, app, script, args...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(stdout) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return fmt.Errorf("script %s returned invalid JSON: %w", script, err)
	}
	return nil
}

//go:embed scripts
var bundled embed.FS

// Script returns the source of a script bundled with the binary
func Script(app, script string) ([]byte, error) {
	return bundled.ReadFile(path.Join("scripts", app, script))
}

// OsascriptRunner runs scripts with osascript. Bundled scripts are fed to
// osascript on stdin; when Dir is set, <Dir>/<app>/<script> is run instead.
type OsascriptRunner struct {
	Path    string
	Dir     string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewOsascriptRunner creates a runner. An empty dir selects the bundled
// scripts.
func NewOsascriptRunner(osascript, dir string, timeout time.Duration, logger *zap.Logger) *OsascriptRunner {
	if osascript == "" {
		osascript = "/usr/bin/osascript"
	}
	return &OsascriptRunner{
		Path:    osascript,
		Dir:     dir,
		Timeout: timeout,
		Logger:  logging.OrNop(logger).With(zap.String("component", "osascript")),
	}
}

// Run executes the script and returns its stdout
func (r *OsascriptRunner) Run(ctx context.Context, app, script string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	source := path.Join(app, script)
	if r.Dir != "" {
		source = filepath.Join(r.Dir, app, script)
		cmd = exec.CommandContext(ctx, r.Path, append([]string{source}, args...)...) //nolint:gosec // script names are fixed by this package
	} else {
		src, err := Script(app, script)
		if err != nil {
			return "", fmt.Errorf("no bundled script %s: %w", source, err)
		}
		cmd = exec.CommandContext(ctx, r.Path, append([]string{"-"}, args...)...) //nolint:gosec // script names are fixed by this package
		cmd.Stdin = bytes.NewReader(src)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	r.Logger.Debug("script finished",
		zap.String("script", source),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to run %s: %w", source, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("script %s: %w", script, ctxErr)
		}
		return "", &ScriptError{
			Script:   script,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: exitErr.ExitCode(),
		}
	}
	return stdoutBuf.String(), nil
}
