package runner

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMergeEnvOverridesAndSorts(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "CIBW_SKIP=old"}
	got := MergeEnv(base, map[string]string{"CIBW_SKIP": "cp36-*", "CIBW_ARCHS": "x86_64", " ": "ignored"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "CIBW_ARCHS=x86_64", "CIBW_SKIP=cp36-*"}, got)
}

func TestMergeEnvCopiesBase(t *testing.T) {
	base := []string{"A=1"}
	got := MergeEnv(base, nil)
	got[0] = "A=2"
	assert.Equal(t, "A=1", base[0])
}

func TestRequireMissingTool(t *testing.T) {
	err := Require("wheelwright-definitely-not-installed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestExecRunnerExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(zap.NewNop())

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2; exit 3"}})
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
	assert.True(t, errors.Is(err, ErrCommandFailed))
}

func TestExecRunnerEnvAndDir(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	r := NewExecRunner(nil)
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf '%s:' \"$WHEELWRIGHT_MARKER\"; pwd"},
		Dir:  dir,
		Env:  map[string]string{"WHEELWRIGHT_MARKER": "set"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "set:")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), Command{Name: "wheelwright-definitely-not-installed"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "abcdef", b.String())

	_, _ = b.Write([]byte("ghij"))
	assert.Equal(t, "[output truncated]\ncdefghij", b.String())

	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "[output truncated]\n23456789", b.String())
}

func TestExecRunnerBoundsCapturedOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)
	// 20000 lines of 8 bytes each, well past the capture limit.
	script := "i=0; while [ $i -lt 20000 ]; do echo line-xx; i=$((i+1)); done; echo last-line; exit 2"
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", script}})
	require.Error(t, err)
	assert.LessOrEqual(t, len(res.Output), maxCapturedOutput+len("[output truncated]\n"))
	assert.True(t, strings.HasSuffix(res.Output, "last-line\n"))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, res.Output, exitErr.Output)
}
