package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/ledger"
	"github.com/animus-labs/wheelwright/internal/metrics"
	"github.com/animus-labs/wheelwright/internal/mirror"
	"github.com/animus-labs/wheelwright/internal/notify"
	"github.com/animus-labs/wheelwright/internal/publish"
	"github.com/animus-labs/wheelwright/internal/runner"
	"github.com/animus-labs/wheelwright/internal/runner/runnertest"
	"github.com/animus-labs/wheelwright/internal/wheel/wheeltest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeUploader) UploadAll(ctx context.Context, paths []string) ([]publish.Uploaded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]publish.Uploaded, 0, len(paths))
	for _, p := range paths {
		f.paths = append(f.paths, p)
		out = append(out, publish.Uploaded{
			Path:     p,
			Filename: filepath.Base(p),
			Name:     "triton-nightly",
			Version:  "3.1.0.dev202501010000",
			SHA256:   "ab",
			Size:     10,
		})
	}
	return out, nil
}

type fakeLedger struct {
	records []ledger.Publication
}

func (f *fakeLedger) Record(ctx context.Context, p ledger.Publication) (ledger.Publication, error) {
	f.records = append(f.records, p)
	return p, nil
}

type fakeMirror struct {
	runID string
	paths []string
}

func (f *fakeMirror) CopyAll(ctx context.Context, runID string, paths []string) ([]mirror.Object, error) {
	f.runID = runID
	f.paths = paths
	return []mirror.Object{{Bucket: "wheels", Key: runID}}, nil
}

type fakeNotifier struct {
	events []notify.Event
	err    error
}

func (f *fakeNotifier) Published(ctx context.Context, ev notify.Event) error {
	f.events = append(f.events, ev)
	return f.err
}

func noTools(names ...string) error { return nil }

func testConfig(t *testing.T, nightly bool) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Package.Name = "triton"
	cfg.Package.NightlyName = "triton-nightly"
	cfg.Package.Nightly = &nightly
	cfg.Source.Repository = "https://github.com/triton-lang/triton"
	cfg.Source.Revision = "main"
	cfg.Publish.IndexURL = "https://upload.example.org/legacy/"
	cfg.Job.WorkDir = t.TempDir()
	cfg.Job.ScratchDir = t.TempDir()
	cfg.Run = config.RunIdentity{ID: "run-1", StartedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return cfg
}

// buildWheels answers the build tool by writing the given specs into the
// requested output directory.
func buildWheels(t *testing.T, specs ...wheeltest.Spec) runnertest.Handler {
	return func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		outDir := ""
		for i, a := range cmd.Args {
			if a == "--output-dir" && i+1 < len(cmd.Args) {
				outDir = cmd.Args[i+1]
			}
		}
		require.NotEmpty(t, outDir)
		for _, s := range specs {
			wheeltest.Write(t, outDir, s)
		}
		return runner.Result{}, nil
	}
}

func TestRunNightlyPublishesRenamedWheels(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Build.MirrorURL = "https://mirror.internal/llvm"
	cfg.Patches = []config.Patch{{
		File:    "setup.py",
		Replace: &config.Replace{Old: "https://oaitriton.blob.core.windows.net", New: "${MIRROR_URL}"},
	}}
	srcDir := filepath.Join(cfg.Job.WorkDir, cfg.Source.Dir)
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "setup.py"), []byte(`url = "https://oaitriton.blob.core.windows.net/llvm"`+"\n"), 0o644))

	rec := runnertest.New().
		On("git rev-parse", runnertest.Output("0123abcd\n")).
		On("cibuildwheel", buildWheels(t,
			wheeltest.Spec{Name: "triton", Version: "3.1.0+git0123abc", Tag: "cp311-cp311-manylinux_2_28_x86_64"},
			wheeltest.Spec{Name: "triton", Version: "3.1.0+git0123abc", Tag: "cp312-cp312-manylinux_2_28_x86_64"},
		))
	up := &fakeUploader{}
	led := &fakeLedger{}
	mir := &fakeMirror{}
	note := &fakeNotifier{}
	rm := metrics.New()

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: up, Ledger: led, Mirror: mir, Notifier: note, Metrics: rm})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0123abcd", report.Commit)
	require.NotNil(t, report.Batch)
	assert.True(t, report.Batch.OK)
	require.Len(t, up.paths, 2)
	for _, path := range up.paths {
		assert.True(t, strings.HasPrefix(filepath.Base(path), "triton_nightly-3.1.0.dev202501010000-"), path)
	}
	assert.Len(t, led.records, 2)
	assert.Equal(t, "run-1", led.records[0].RunID)
	assert.Equal(t, cfg.Publish.IndexURL, led.records[0].IndexURL)
	assert.Equal(t, "run-1", mir.runID)
	assert.Equal(t, up.paths, mir.paths)
	require.Len(t, note.events, 1)
	assert.Len(t, note.events[0].Filenames, 2)

	patched, err := os.ReadFile(filepath.Join(srcDir, "setup.py"))
	require.NoError(t, err)
	assert.Contains(t, string(patched), "https://mirror.internal/llvm/llvm")

	assert.Equal(t, 2.0, testutil.ToFloat64(rm.WheelsBuilt))
	assert.Equal(t, 2.0, testutil.ToFloat64(rm.Renamed))
	assert.Equal(t, 2.0, testutil.ToFloat64(rm.Uploaded))
}

func TestRunNightlyBadWheelBlocksPublish(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Source.Repository = ""
	corrupt := "triton-3.1.0+gitabc-cp311-cp311-manylinux_2_28_x86_64.whl"
	rec := runnertest.New().On("cibuildwheel", func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		outDir := cmd.Args[3]
		wheeltest.Write(t, outDir, wheeltest.Spec{Name: "triton", Version: "3.1.0+gitabc"})
		require.NoError(t, os.WriteFile(filepath.Join(outDir, corrupt), []byte("not a zip"), 0o644))
		return runner.Result{}, nil
	})
	up := &fakeUploader{}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: up})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, publish.ErrBatchFailed))
	assert.Empty(t, up.paths)

	require.NotNil(t, report.Batch)
	assert.False(t, report.Batch.OK)
	assert.Len(t, report.Batch.Failed, 1)
	assert.FileExists(t, report.Batch.Failed[0].Path)

	left, err := os.ReadDir(cfg.Job.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunReleasePublishesAsBuilt(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Source.Repository = ""
	rec := runnertest.New().On("cibuildwheel", buildWheels(t, wheeltest.Spec{Name: "triton", Version: "3.1.0"}))
	up := &fakeUploader{}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: up})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Batch)
	assert.Equal(t, report.Built, up.paths)
	assert.True(t, strings.HasPrefix(filepath.Base(up.paths[0]), "triton-3.1.0-"))
}

func TestRunUploadFailureStopsBookkeeping(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Source.Repository = ""
	rec := runnertest.New().On("cibuildwheel", buildWheels(t, wheeltest.Spec{Name: "triton", Version: "3.1.0"}))
	up := &fakeUploader{err: &publish.UploadError{Filename: "x.whl", StatusCode: 403}}
	led := &fakeLedger{}
	note := &fakeNotifier{}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: up, Ledger: led, Notifier: note})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	var upErr *publish.UploadError
	assert.True(t, errors.As(err, &upErr))
	assert.Empty(t, led.records)
	assert.Empty(t, note.events)
}

func TestRunNotifyFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Source.Repository = ""
	rec := runnertest.New().On("cibuildwheel", buildWheels(t, wheeltest.Spec{Name: "triton", Version: "3.1.0"}))
	note := &fakeNotifier{err: errors.New("nats not connected")}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: &fakeUploader{}, Notifier: note})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, note.events, 1)
}

func TestRunSkipPublish(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Source.Repository = ""
	cfg.Publish.Skip = true
	rec := runnertest.New().On("cibuildwheel", buildWheels(t, wheeltest.Spec{Name: "triton", Version: "3.1.0"}))
	up := &fakeUploader{}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools, Uploader: up})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Wheels, 1)
	assert.Empty(t, up.paths)
}

func TestRunMissingToolAbortsBeforeAnyCommand(t *testing.T) {
	cfg := testConfig(t, true)
	rec := runnertest.New()
	var asked []string
	missing := func(names ...string) error {
		asked = names
		return runner.ErrToolNotFound
	}

	p, err := New(cfg, Deps{Runner: rec, RequireTools: missing})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	_, err = p.Run(context.Background())
	if !errors.Is(err, runner.ErrToolNotFound) {
		t.Fatalf("Run() err=%v, want ErrToolNotFound", err)
	}
	if len(rec.Commands) != 0 {
		t.Fatalf("commands=%v, want none", rec.Lines())
	}
	assert.Equal(t, []string{"cibuildwheel", "git"}, asked)
}

func TestRunHonoursJobTimeout(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Source.Repository = ""
	cfg.Job.Timeout = 20 * time.Millisecond
	rec := runnertest.New().On("cibuildwheel", func(ctx context.Context, cmd runner.Command) (runner.Result, error) {
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	})

	p, err := New(cfg, Deps{Runner: rec, RequireTools: noTools})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
