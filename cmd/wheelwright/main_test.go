package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/wheelwright/internal/publish"
	"github.com/animus-labs/wheelwright/internal/wheel/wheeltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, outputDir, skipPublish = "", "", false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-format", "console"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func clearCIEnv(t *testing.T) {
	for _, k := range []string{"GITHUB_EVENT_NAME", "GITHUB_RUN_ID", "WHEELWRIGHT_NIGHTLY", "WHEELWRIGHT_NIGHTLY_TIMESTAMP", "WHEELWRIGHT_PACKAGE_NAME", "WHEELWRIGHT_NIGHTLY_NAME"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const renameConfig = `
package:
  name: triton
  nightly_name: triton-nightly
  nightly: true
  timestamp: "202501010000"
`

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "wheelwright dev\n", out)
}

func TestRenameCommand(t *testing.T) {
	clearCIEnv(t)
	cfg := writeFile(t, "wheelwright.yaml", renameConfig)
	dir := t.TempDir()
	src := wheeltest.Write(t, dir, wheeltest.Spec{Name: "triton", Version: "3.1.0+git0123abc"})

	out, err := execute(t, "rename", "--config", cfg, src)
	require.NoError(t, err)
	want := filepath.Join(dir, "triton_nightly-3.1.0.dev202501010000-cp312-cp312-manylinux_2_28_x86_64.whl")
	assert.Equal(t, want+"\n", out)
	assert.NoFileExists(t, src)
	assert.FileExists(t, want)
}

func TestRenameCommandFailsOnCorruptWheel(t *testing.T) {
	clearCIEnv(t)
	cfg := writeFile(t, "wheelwright.yaml", renameConfig)
	dir := t.TempDir()
	bad := filepath.Join(dir, "triton-3.1.0+gitabc-cp312-cp312-manylinux_2_28_x86_64.whl")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))

	_, err := execute(t, "rename", "--config", cfg, "--output-dir", dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, publish.ErrBatchFailed))
	assert.FileExists(t, bad)
}

func TestPublishCommandRejectsEmptySet(t *testing.T) {
	clearCIEnv(t)
	cfg := writeFile(t, "wheelwright.yaml", "package:\n  name: triton\n")
	_, err := execute(t, "publish", "--config", cfg, "--output-dir", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, publish.ErrNoArtifacts))
}

func TestPublishCommandRejectsNonWheelArgs(t *testing.T) {
	clearCIEnv(t)
	cfg := writeFile(t, "wheelwright.yaml", "package:\n  name: triton\n")
	_, err := execute(t, "publish", "--config", cfg, "dist/triton.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a wheel")
}

func TestTriggerCommand(t *testing.T) {
	var path string
	var body struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Setenv("WHEELWRIGHT_GITHUB_TOKEN", "ghp_test")
	cfg := writeFile(t, "wheelwright.yaml", strings.Join([]string{
		"trigger:",
		"  github_api_url: " + srv.URL,
		"  repository: acme/compiler-ci",
		"  workflow: gpu-tests.yml",
		"  runner_label: linux-mi300-gpu-1",
		"  accelerator: mi300",
		"  environment: rocm",
		"",
	}, "\n"))

	_, err := execute(t, "trigger-tests", "--config", cfg, "--skip-unit-tests", "--framework-version", "2.5.0")
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/repos/acme/compiler-ci/actions/workflows/gpu-tests.yml/dispatches", path)
	assert.Equal(t, "main", body.Ref)
	assert.Equal(t, "mi300", body.Inputs["accelerator"])
	assert.Equal(t, "true", body.Inputs["skip_unit_tests"])
	assert.Equal(t, "false", body.Inputs["skip_integration_tests"])
	assert.Equal(t, "2.5.0", body.Inputs["framework_version"])
}

func TestRunCommandRejectsUnknownConfigKey(t *testing.T) {
	cfg := writeFile(t, "wheelwright.yaml", "package:\n  name: triton\n  nigthly_name: typo\n")
	_, err := execute(t, "run", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
