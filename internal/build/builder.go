package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/wheelwright/internal/runner"
	"github.com/animus-labs/wheelwright/internal/wheel"
	"go.uber.org/zap"
)

var ErrNoWheels = errors.New("build produced no wheels")

type Builder struct {
	runner runner.Runner
	logger *zap.Logger
}

func NewBuilder(r runner.Runner, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{runner: r, logger: logger}
}

// Prepare pins the build tool version and pre-pulls the container image.
func (b *Builder) Prepare(ctx context.Context, o Options, plan Plan) error {
	if v := strings.TrimSpace(o.ToolVersion); v != "" {
		python := o.Python
		if python == "" {
			python = "python3"
		}
		tool := o.Tool
		if tool == "" {
			tool = "cibuildwheel"
		}
		_, err := b.runner.Run(ctx, runner.Command{
			Name: python,
			Args: []string{"-m", "pip", "install", "--quiet", tool + "==" + v},
		})
		if err != nil {
			return fmt.Errorf("install %s %s: %w", tool, v, err)
		}
		b.logger.Info("build tool installed", zap.String("tool", tool), zap.String("version", v))
	}
	if plan.Image != "" {
		docker, err := runner.NewDocker(b.runner, o.Docker)
		if err != nil {
			return err
		}
		if err := docker.Pull(ctx, plan.Image); err != nil {
			return err
		}
		id, err := docker.ImageID(ctx, plan.Image)
		if err != nil {
			return err
		}
		b.logger.Info("build image ready", zap.String("image", plan.Image), zap.String("image_id", id))
	}
	return nil
}

// Run invokes the build tool and returns the wheels it wrote.
func (b *Builder) Run(ctx context.Context, o Options, plan Plan) ([]string, error) {
	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := b.clearStale(plan.OutputDir); err != nil {
		return nil, err
	}
	tool := o.Tool
	if tool == "" {
		tool = "cibuildwheel"
	}
	b.logger.Info("build starting",
		zap.String("tool", tool),
		zap.String("arch", plan.Arch),
		zap.Bool("self_hosted", plan.SelfHosted),
		zap.String("python", plan.Env["CIBW_BUILD"]),
		zap.String("skip", plan.Env["CIBW_SKIP"]))
	started := time.Now()
	_, err := b.runner.Run(ctx, runner.Command{
		Name: tool,
		Args: plan.Args,
		Dir:  o.SourceDir,
		Env:  plan.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool, err)
	}

	wheels, err := wheel.Glob(plan.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("list wheels: %w", err)
	}
	if len(wheels) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoWheels, plan.OutputDir)
	}
	b.logger.Info("build finished", zap.Int("wheels", len(wheels)), zap.Duration("took", time.Since(started)))
	return wheels, nil
}

// clearStale removes wheels left in dir by an earlier run in the same
// workspace so only this build's wheels are renamed and published.
func (b *Builder) clearStale(dir string) error {
	stale, err := wheel.Glob(dir)
	if err != nil {
		return fmt.Errorf("list stale wheels: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale wheel: %w", err)
		}
	}
	if len(stale) > 0 {
		b.logger.Info("removed stale wheels", zap.String("dir", dir), zap.Int("count", len(stale)))
	}
	return nil
}
