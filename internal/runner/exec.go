package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/wheelwright/internal/platform/logging"
	"go.uber.org/zap"
)

// maxCapturedOutput bounds the output kept for Result and ExitError. The full
// stream still goes to the log.
const maxCapturedOutput = 64 << 10

// ExecRunner runs commands as child processes of the current process.
type ExecRunner struct {
	logger  *zap.Logger
	baseEnv []string
}

func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{logger: logger, baseEnv: os.Environ()}
}

// Require fails with ErrToolNotFound for the first missing binary.
func Require(names ...string) error {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrToolNotFound, name, err)
		}
	}
	return nil
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Result{}, errors.New("command name is required")
	}

	cmd := exec.CommandContext(ctx, name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(r.baseEnv, c.Env)

	captured := newTailBuffer(maxCapturedOutput)
	stdout := logging.Writer(r.logger.With(zap.String("cmd", name)), "stdout")
	stderr := logging.Writer(r.logger.With(zap.String("cmd", name)), "stderr")
	defer stdout.Close()
	defer stderr.Close()
	cmd.Stdout = io.MultiWriter(captured, stdout)
	cmd.Stderr = io.MultiWriter(captured, stderr)

	r.logger.Debug("running command", zap.String("command", c.String()), zap.String("dir", c.Dir))
	err := cmd.Run()
	res := Result{Output: captured.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: c.String(), ExitCode: res.ExitCode, Output: res.Output}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.String(), ctxErr)
	}
	return res, fmt.Errorf("%s: %w", c.String(), err)
}

// MergeEnv overlays extra on base. Extra keys are applied in sorted order and
// replace any existing entry with the same key.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return append([]string(nil), base...)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if key := strings.TrimSpace(k); key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	override := make(map[string]bool, len(keys))
	for _, k := range keys {
		override[k] = true
	}
	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if override[key] {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// tailBuffer keeps only the last limit bytes written to it. Stdout and
// stderr are copied by separate goroutines, so writes are serialized.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.limit {
		b.truncated = b.truncated || n > b.limit || len(b.buf) > 0
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
