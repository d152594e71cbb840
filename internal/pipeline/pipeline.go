// Package pipeline runs one build job end to end: checkout, patch, build,
// nightly rename, publish and the bookkeeping that follows a publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/animus-labs/wheelwright/internal/build"
	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/ledger"
	"github.com/animus-labs/wheelwright/internal/metrics"
	"github.com/animus-labs/wheelwright/internal/mirror"
	"github.com/animus-labs/wheelwright/internal/nightly"
	"github.com/animus-labs/wheelwright/internal/notify"
	"github.com/animus-labs/wheelwright/internal/patch"
	"github.com/animus-labs/wheelwright/internal/publish"
	"github.com/animus-labs/wheelwright/internal/runner"
	"github.com/animus-labs/wheelwright/internal/source"
	"go.uber.org/zap"
)

const pushTimeout = 15 * time.Second

type Uploader interface {
	UploadAll(ctx context.Context, paths []string) ([]publish.Uploaded, error)
}

type Ledger interface {
	Record(ctx context.Context, p ledger.Publication) (ledger.Publication, error)
}

type Mirror interface {
	CopyAll(ctx context.Context, runID string, paths []string) ([]mirror.Object, error)
}

type Notifier interface {
	Published(ctx context.Context, ev notify.Event) error
}

// Deps are the collaborators a pipeline talks to. Everything except Runner
// is optional; a nil Uploader means wheels are built but never published.
// Deps may be shared by the pipelines of a matrix and must be safe for
// concurrent use.
type Deps struct {
	Runner       runner.Runner
	RequireTools func(names ...string) error
	Uploader     Uploader
	Ledger       Ledger
	Mirror       Mirror
	Notifier     Notifier
	Metrics      *metrics.Recorder
	Logger       *zap.Logger
}

// Report is what a finished run produced.
type Report struct {
	RunID    string
	Commit   string
	Built    []string
	Wheels   []string
	Batch    *nightly.Batch
	Uploaded []publish.Uploaded
	Mirrored []mirror.Object
}

type Pipeline struct {
	cfg    config.Config
	deps   Deps
	logger *zap.Logger
	label  string
}

func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.RequireTools == nil {
		deps.RequireTools = runner.Require
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("run_id", cfg.Run.ID)),
	}, nil
}

func (p *Pipeline) sourceDir() string {
	return SourceDir(p.cfg)
}

// SourceDir is where the source tree is checked out and built.
func SourceDir(cfg config.Config) string {
	return filepath.Join(cfg.Job.WorkDir, cfg.Source.Dir)
}

// Run executes every step in order under the job timeout. Metrics are pushed
// whatever the outcome.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	if p.cfg.Job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Job.Timeout)
		defer cancel()
	}
	started := time.Now()
	report := Report{RunID: p.cfg.Run.ID}
	err := p.run(ctx, &report)
	p.pushMetrics()
	if err != nil {
		p.logger.Error("pipeline failed", zap.Duration("took", time.Since(started)), zap.Error(err))
		return report, err
	}
	p.logger.Info("pipeline finished",
		zap.Duration("took", time.Since(started)),
		zap.Int("wheels", len(report.Wheels)),
		zap.Int("uploaded", len(report.Uploaded)))
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, report *Report) error {
	buildOpts := BuildOptions(p.cfg)
	var plan build.Plan

	if err := p.step(ctx, "setup", func(ctx context.Context) error {
		var err error
		plan, err = build.NewPlan(buildOpts)
		if err != nil {
			return err
		}
		tools := []string{buildOpts.Tool}
		if p.cfg.Source.Repository != "" {
			tools = append(tools, "git")
		}
		if plan.Image != "" {
			tools = append(tools, buildOpts.Docker)
		}
		if buildOpts.ToolVersion != "" {
			tools = append(tools, buildOpts.Python)
		}
		return p.deps.RequireTools(tools...)
	}); err != nil {
		return err
	}

	if p.cfg.Source.Repository != "" {
		if err := p.step(ctx, "checkout", func(ctx context.Context) error {
			commit, err := source.NewCheckout(p.deps.Runner, p.logger).Fetch(ctx, source.Options{
				Repository: p.cfg.Source.Repository,
				Revision:   p.cfg.Source.Revision,
				Dir:        p.sourceDir(),
				Submodules: p.cfg.Source.Submodules,
			})
			report.Commit = commit
			return err
		}); err != nil {
			return err
		}
	}

	if len(p.cfg.Patches) > 0 {
		if err := p.step(ctx, "patch", func(ctx context.Context) error {
			return patch.NewApplier(p.sourceDir(), PatchVars(p.cfg), p.logger).ApplyAll(Patches(p.cfg.Patches))
		}); err != nil {
			return err
		}
	}

	b := build.NewBuilder(p.deps.Runner, p.logger)
	if err := p.step(ctx, "prepare", func(ctx context.Context) error {
		return b.Prepare(ctx, buildOpts, plan)
	}); err != nil {
		return err
	}
	if err := p.step(ctx, "build", func(ctx context.Context) error {
		wheels, err := b.Run(ctx, buildOpts, plan)
		report.Built = wheels
		report.Wheels = wheels
		p.deps.Metrics.WheelsBuilt.Add(float64(len(wheels)))
		return err
	}); err != nil {
		return err
	}

	if p.cfg.IsNightly() {
		if err := p.step(ctx, "rename", func(ctx context.Context) error {
			batch, err := p.rename(ctx, report.Built)
			if err != nil {
				return err
			}
			report.Batch = &batch
			report.Wheels = batch.Outputs()
			return publish.Gate(batch)
		}); err != nil {
			return err
		}
	}

	if p.deps.Uploader == nil || p.cfg.Publish.Skip {
		p.logger.Info("publish skipped", zap.Int("wheels", len(report.Wheels)))
		return nil
	}
	if err := p.step(ctx, "publish", func(ctx context.Context) error {
		uploaded, err := p.deps.Uploader.UploadAll(ctx, report.Wheels)
		report.Uploaded = uploaded
		for _, u := range uploaded {
			p.deps.Metrics.Uploaded.Inc()
			p.deps.Metrics.UploadBytes.Add(float64(u.Size))
		}
		return err
	}); err != nil {
		return err
	}

	if p.deps.Ledger != nil {
		if err := p.step(ctx, "ledger", func(ctx context.Context) error {
			return p.recordLedger(ctx, report.Uploaded)
		}); err != nil {
			return err
		}
	}
	if p.deps.Mirror != nil {
		if err := p.step(ctx, "mirror", func(ctx context.Context) error {
			objs, err := p.deps.Mirror.CopyAll(ctx, p.cfg.Run.ID, uploadedPaths(report.Uploaded))
			report.Mirrored = objs
			return err
		}); err != nil {
			return err
		}
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.Published(ctx, p.event(report.Uploaded)); err != nil {
			p.logger.Warn("notify failed; continuing", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	p.logger.Info("step started", zap.String("step", name))
	started := time.Now()
	err := fn(ctx)
	took := time.Since(started)
	p.deps.Metrics.ObserveStep(name, took, err)
	if err != nil {
		p.logger.Error("step failed", zap.String("step", name), zap.Duration("took", took), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	p.logger.Info("step finished", zap.String("step", name), zap.Duration("took", took))
	return nil
}

func (p *Pipeline) rename(ctx context.Context, wheels []string) (nightly.Batch, error) {
	ts := p.cfg.Package.Timestamp
	if ts == "" {
		ts = nightly.Timestamp(p.cfg.Run.StartedAt)
	}
	r, err := nightly.NewRenamer(nightly.Config{
		SourceName:     p.cfg.Package.Name,
		NightlyName:    p.cfg.Package.NightlyName,
		Timestamp:      ts,
		ScratchDir:     p.cfg.Job.ScratchDir,
		ForceDevSuffix: p.cfg.Package.ForceDevSuffix,
	}, p.logger)
	if err != nil {
		return nightly.Batch{}, err
	}
	batch := r.RenameAll(ctx, wheels)
	p.deps.Metrics.Renamed.Add(float64(len(batch.Renamed)))
	p.deps.Metrics.RenameFailed.Add(float64(len(batch.Failed)))
	return batch, nil
}

func (p *Pipeline) recordLedger(ctx context.Context, uploaded []publish.Uploaded) error {
	for _, u := range uploaded {
		_, err := p.deps.Ledger.Record(ctx, ledger.Publication{
			RunID:     p.cfg.Run.ID,
			Name:      u.Name,
			Version:   u.Version,
			Filename:  u.Filename,
			SHA256:    u.SHA256,
			SizeBytes: u.Size,
			IndexURL:  p.cfg.Publish.IndexURL,
		})
		if err != nil {
			return fmt.Errorf("record %s: %w", u.Filename, err)
		}
	}
	return nil
}

func (p *Pipeline) event(uploaded []publish.Uploaded) notify.Event {
	ev := notify.Event{
		RunID:     p.cfg.Run.ID,
		Package:   p.cfg.Package.Name,
		IndexURL:  p.cfg.Publish.IndexURL,
		Filenames: make([]string, 0, len(uploaded)),
	}
	for _, u := range uploaded {
		ev.Package = u.Name
		ev.Version = u.Version
		ev.Filenames = append(ev.Filenames, u.Filename)
	}
	return ev
}

func (p *Pipeline) pushMetrics() {
	if p.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	grouping := map[string]string{"run_id": p.cfg.Run.ID, "matrix": p.label}
	err := p.deps.Metrics.Push(ctx, metrics.PushConfig{URL: p.cfg.Metrics.PushgatewayURL, Job: p.cfg.Metrics.Job, Grouping: grouping})
	if err != nil {
		p.logger.Warn("metrics push failed", zap.Error(err))
	}
}

// PatchVars are the ${NAME} substitutions available to patches.
func PatchVars(cfg config.Config) patch.Vars {
	return patch.Vars{
		"MIRROR_URL":   cfg.Build.MirrorURL,
		"BUILD_DIR":    cfg.Build.BuildDir,
		"SOURCE_DIR":   SourceDir(cfg),
		"PACKAGE_NAME": cfg.Package.Name,
	}
}

// BuildOptions maps configuration and runner identity onto build options.
func BuildOptions(c config.Config) build.Options {
	return build.Options{
		Tool:             c.Build.Tool,
		ToolVersion:      c.Build.ToolVersion,
		Python:           c.Build.Python,
		Docker:           c.Build.Docker,
		SourceDir:        SourceDir(c),
		PackageDir:       c.Build.PackageDir,
		OutputDir:        c.Build.OutputDir,
		Arch:             c.Build.Arch,
		RunnerLabel:      c.Build.RunnerLabel,
		RunnerName:       c.CI.RunnerName,
		RunnerArch:       c.CI.RunnerArch,
		PythonSelectors:  c.Build.PythonSelectors,
		SkipSelectors:    c.Build.SkipSelectors,
		ManylinuxImage:   c.Build.ManylinuxImage,
		SelfHostedPrefix: c.Build.SelfHostedPrefix,
		Verbosity:        c.Build.Verbosity,
		Proxy: build.Proxy{
			HTTP:    c.Secrets.HTTPProxy,
			HTTPS:   c.Secrets.HTTPSProxy,
			NoProxy: c.Secrets.NoProxy,
		},
		Env: c.Build.Env,
	}
}

// Patches converts configured patches to their applier form.
func Patches(in []config.Patch) []patch.Patch {
	out := make([]patch.Patch, 0, len(in))
	for _, c := range in {
		p := patch.Patch{File: c.File, Append: c.Append}
		if c.Replace != nil {
			p.Replace = true
			p.Old = c.Replace.Old
			p.New = c.Replace.New
		}
		out = append(out, p)
	}
	return out
}

func uploadedPaths(uploaded []publish.Uploaded) []string {
	out := make([]string, 0, len(uploaded))
	for _, u := range uploaded {
		out = append(out, u.Path)
	}
	return out
}
