package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
package:
  name: triton
  nightly_name: triton-nightly
source:
  repository: https://github.com/triton-lang/triton.git
  revision: 4b3e5f1
  submodules: true
patches:
  - file: python/setup.py
    replace:
      old: https://oaitriton.blob.core.windows.net/public/llvm-builds
      new: ${MIRROR_URL}
  - file: python/setup.cfg
    append:
      - "[build_ext]"
      - "build_temp = ${BUILD_DIR}"
build:
  package_dir: python
  tool_version: "2.21.3"
  python_selectors: ["cp312-*"]
publish:
  index_url: https://pypi.internal.example/legacy/
job:
  timeout: 90m
  parallelism: 2
matrix:
  - name: x86_64
    arch: x86_64
  - name: aarch64
    runner_label: self-hosted-arm64
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wheelwright.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaultsFileAndEnv(t *testing.T) {
	t.Setenv("GITHUB_EVENT_NAME", "schedule")
	t.Setenv("GITHUB_RUN_ID", "1234")
	t.Setenv("WHEELWRIGHT_INDEX_PASSWORD", "s3cret")
	t.Setenv("WHEELWRIGHT_SKIP_SELECTORS", "*-musllinux*")

	now := time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)
	cfg, err := Load(writeConfig(t, sampleYAML), now)
	require.NoError(t, err)

	assert.Equal(t, "triton", cfg.Package.Name)
	assert.True(t, cfg.IsNightly())
	assert.Equal(t, 90*time.Minute, cfg.Job.Timeout)
	assert.Equal(t, []string{"cp312-*"}, cfg.Build.PythonSelectors)
	assert.Equal(t, []string{"*-musllinux*"}, cfg.Build.SkipSelectors)
	assert.Equal(t, "cibuildwheel", cfg.Build.Tool)
	assert.Equal(t, "__token__", cfg.Publish.Username)
	assert.Equal(t, "s3cret", cfg.Secrets.IndexPassword)
	assert.Equal(t, "1234", cfg.Run.ID)
	assert.Equal(t, now, cfg.Run.StartedAt)
	require.Len(t, cfg.Patches, 2)
	assert.Equal(t, "${MIRROR_URL}", cfg.Patches[0].Replace.New)
	require.NoError(t, cfg.ValidatePublish())
	require.NoError(t, cfg.ValidateSource())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "package:\n  name: x\n  nmae: typo\n"), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmae")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), time.Time{})
	require.Error(t, err)
}

func TestNightlyOverrideFromEnv(t *testing.T) {
	t.Setenv("GITHUB_EVENT_NAME", "schedule")
	t.Setenv("WHEELWRIGHT_NIGHTLY", "false")
	cfg, err := Load(writeConfig(t, "package:\n  name: triton\n"), time.Time{})
	require.NoError(t, err)
	assert.False(t, cfg.IsNightly())
}

func TestRunIdentityFallsBackToUUID(t *testing.T) {
	id := NewRunIdentity("", time.Time{})
	assert.Len(t, id.ID, 36)
	assert.False(t, id.StartedAt.IsZero())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	nightly := true
	cfg.Package.Nightly = &nightly
	cfg.Job.Parallelism = 0
	cfg.Publish.IndexURL = "ftp://example"
	cfg.Patches = []Patch{{File: "a", Append: []string{"x"}, Replace: &Replace{Old: "y"}}}
	cfg.Matrix = []MatrixEntry{{Name: "a"}, {Name: "a"}}
	cfg.Mirror.Enabled = true
	cfg.Mirror.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"package.name", "nightly_name", "parallelism", "index_url", "patches[0]", "duplicate name", "mirror.bucket"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestValidatePublishNeedsSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Publish.IndexURL = "https://pypi.internal.example/legacy/"
	require.Error(t, cfg.ValidatePublish())

	cfg.Publish.TokenURL = "https://auth.example/token"
	cfg.Publish.ClientID = "ci"
	require.Error(t, cfg.ValidatePublish())
	cfg.Secrets.IndexClientSecret = "x"
	require.NoError(t, cfg.ValidatePublish())
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("WHEELWRIGHT_PACKAGE_NAME", "")
	cfg, err := Read(writeConfig(t, "trigger:\n  repository: acme/ci\n  workflow: gpu.yml\n"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "acme/ci", cfg.Trigger.Repository)
	assert.Equal(t, "github", cfg.Trigger.Dispatcher)
	require.Error(t, cfg.Validate())
}
