package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/internal/envs"
	"github.com/conveyorci/conveyor/internal/isolation"
	"github.com/conveyorci/conveyor/pkg/schema"
)

const (
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB per stream
	defaultDialect       = "bash"
)

// Command file env keys. A step writes key=value lines (or directories,
// one per line, for the path file) to these files to export outputs, env
// vars, and PATH additions to subsequent steps of its job instance.
const (
	OutputFileEnv = "CONVEYOR_OUTPUT"
	EnvFileEnv    = "CONVEYOR_ENV"
	PathFileEnv   = "CONVEYOR_PATH"
)

// Request describes one shell step invocation with a fully resolved
// environment.
type Request struct {
	Command          string
	Dialect          string // bash | sh | pwsh | template containing {0}
	WorkingDirectory string
	Env              map[string]string
	Timeout          time.Duration

	// Stream, when set, receives output as it is produced (in addition to
	// the captured buffers). Used for live log tailing.
	Stream io.Writer
}

// Result is the outcome of one shell step invocation. A non-zero exit code
// is a normal outcome, not an error.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time

	// Exports parsed from the step's command files.
	Outputs       map[string]string
	EnvExports    map[string]string
	PathAdditions []string
}

// Config configures a Runner.
type Config struct {
	Isolator       isolation.Isolator
	Limits         isolation.Limits
	DefaultDialect string
	MaxOutputSize  int64
}

// Runner executes shell steps: it spawns exactly one external process per
// call, blocks until it exits, and captures its output and exit status.
// It never retries.
type Runner struct {
	cfg Config
}

// NewRunner creates a Runner, applying defaults for unset config fields.
func NewRunner(cfg Config) *Runner {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.New()
	}
	if cfg.DefaultDialect == "" {
		cfg.DefaultDialect = defaultDialect
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Runner{cfg: cfg}
}

// Execute runs one shell step. Errors are reserved for spawn failures
// (SPAWN_ERROR) and denied working directories (PATH_DENIED); process exit
// status, including timeout kills, is reported through the Result.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "shell step has an empty command")
	}

	// Per-invocation scratch dir for the command files and any generated
	// script.
	scratch, err := os.MkdirTemp("", "conveyor-step-*")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSpawn, "create step scratch dir: %v", err).WithCause(err)
	}
	defer os.RemoveAll(scratch)

	files := commandFiles{
		output: filepath.Join(scratch, "outputs"),
		env:    filepath.Join(scratch, "env"),
		path:   filepath.Join(scratch, "path"),
	}
	if err := files.create(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSpawn, "create command files: %v", err).WithCause(err)
	}

	cmd, err := r.buildCommand(req, scratch)
	if err != nil {
		return nil, err
	}

	if req.WorkingDirectory != "" {
		if err := r.cfg.Limits.ValidatePath(req.WorkingDirectory, isolation.PathAccessRead); err != nil {
			return nil, err
		}
		cmd.Dir = req.WorkingDirectory
	}

	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	merged := make(map[string]string, len(env)+3)
	for k, v := range env {
		merged[k] = v
	}
	merged[OutputFileEnv] = files.output
	merged[EnvFileEnv] = files.env
	merged[PathFileEnv] = files.path
	cmd.Env = envs.Environ(merged)

	execCtx := ctx
	var timeoutCtx context.Context
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		timeoutCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		execCtx = timeoutCtx
	}

	wrapped, cleanup, err := r.cfg.Isolator.Wrap(execCtx, cmd, r.cfg.Limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSpawn, "wrap step process: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = r.captureWriter(&stdoutBuf, req.Stream)
	wrapped.Stderr = r.captureWriter(&stderrBuf, req.Stream)

	result := &Result{StartedAt: time.Now().UTC()}
	runErr := wrapped.Run()
	result.FinishedAt = time.Now().UTC()

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The process never started (command not found, permission
			// denied, exec format error).
			return nil, schema.NewErrorf(schema.ErrCodeSpawn, "spawn step process: %v", runErr).WithCause(runErr)
		}
		result.ExitCode = exitErr.ExitCode()
		// A cancelled run and an expired step timeout both kill the
		// process; a timeout is only reported when the outer context is
		// still live.
		if timeoutCtx != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.TimedOut = true
		}
	}

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Outputs = parseKeyValueFile(files.output)
	result.EnvExports = parseKeyValueFile(files.env)
	result.PathAdditions = parseLineFile(files.path)

	return result, nil
}

// buildCommand resolves the shell dialect into an exec.Cmd. Dialect
// templates containing {0} get the command written to a script file whose
// path is substituted in.
func (r *Runner) buildCommand(req Request, scratch string) (*exec.Cmd, error) {
	dialect := req.Dialect
	if dialect == "" {
		dialect = r.cfg.DefaultDialect
	}

	if strings.Contains(dialect, "{0}") {
		script := filepath.Join(scratch, "step-script")
		if err := os.WriteFile(script, []byte(req.Command), 0o700); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSpawn, "write step script: %v", err).WithCause(err)
		}
		fields := strings.Fields(dialect)
		args := make([]string, 0, len(fields))
		for _, f := range fields {
			args = append(args, strings.ReplaceAll(f, "{0}", script))
		}
		if len(args) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid shell template %q", dialect)
		}
		return exec.Command(args[0], args[1:]...), nil
	}

	switch dialect {
	case "bash":
		return exec.Command("bash", "-e", "-c", req.Command), nil
	case "sh":
		return exec.Command("sh", "-e", "-c", req.Command), nil
	case "pwsh":
		return exec.Command("pwsh", "-Command", req.Command), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown shell dialect %q (expected bash, sh, pwsh, or a template with {0})", dialect)
	}
}

// captureWriter bounds the capture buffer and optionally tees to a live
// stream.
func (r *Runner) captureWriter(buf *bytes.Buffer, stream io.Writer) io.Writer {
	capture := &limitedWriter{w: buf, limit: r.cfg.MaxOutputSize}
	if stream == nil {
		return capture
	}
	return io.MultiWriter(capture, stream)
}

// --- command files ---

type commandFiles struct {
	output, env, path string
}

func (f commandFiles) create() error {
	for _, p := range []string{f.output, f.env, f.path} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// parseKeyValueFile reads key=value lines; blank lines and lines starting
// with '#' are ignored, as are lines without '='.
func parseKeyValueFile(path string) map[string]string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var result map[string]string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		if result == nil {
			result = make(map[string]string)
		}
		result[line[:i]] = line[i+1:]
	}
	return result
}

// parseLineFile reads non-blank lines (one path addition per line).
func parseLineFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// limitedWriter wraps a writer and silently discards bytes beyond the
// limit. Write always reports the full len(p) consumed to prevent the
// subprocess from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // capture original length before truncation
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
