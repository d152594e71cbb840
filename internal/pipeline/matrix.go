package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Matrix runs one independent pipeline per matrix entry. Entries share no
// state beyond Deps; each gets its own work directory and metrics recorder. The first failure
// cancels the entries still running.
type Matrix struct {
	cfg  config.Config
	deps Deps
}

func NewMatrix(cfg config.Config, deps Deps) (*Matrix, error) {
	if len(cfg.Matrix) == 0 {
		return nil, errors.New("matrix has no entries")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Matrix{cfg: cfg, deps: deps}, nil
}

// EntryConfig derives the single-job configuration for one entry.
func EntryConfig(base config.Config, entry config.MatrixEntry) config.Config {
	cfg := base
	cfg.Build.Env = copyMap(base.Build.Env)
	cfg.Job.WorkDir = filepath.Join(base.Job.WorkDir, entry.Name)
	if entry.RunnerLabel != "" {
		cfg.Build.RunnerLabel = entry.RunnerLabel
	}
	if entry.Arch != "" {
		cfg.Build.Arch = entry.Arch
	}
	if entry.ManylinuxImage != "" {
		cfg.Build.ManylinuxImage = entry.ManylinuxImage
	}
	if base.Job.ScratchDir != "" {
		cfg.Job.ScratchDir = filepath.Join(base.Job.ScratchDir, entry.Name)
	}
	cfg.Matrix = nil
	return cfg
}

func (m *Matrix) Run(ctx context.Context) (map[string]Report, error) {
	pipelines := make([]*Pipeline, 0, len(m.cfg.Matrix))
	for _, entry := range m.cfg.Matrix {
		deps := m.deps
		deps.Logger = m.deps.Logger.With(zap.String("matrix", entry.Name))
		// Each entry pushes under its own grouping, so it needs its own counters.
		deps.Metrics = metrics.New()
		p, err := New(EntryConfig(m.cfg, entry), deps)
		if err != nil {
			return nil, &EntryError{Entry: entry.Name, Err: err}
		}
		p.label = entry.Name
		pipelines = append(pipelines, p)
	}

	g, ctx := errgroup.WithContext(ctx)
	limit := m.cfg.Job.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	var mu sync.Mutex
	reports := make(map[string]Report, len(pipelines))
	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			report, err := p.Run(ctx)
			mu.Lock()
			reports[p.label] = report
			mu.Unlock()
			if err != nil {
				return &EntryError{Entry: p.label, Err: err}
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

type EntryError struct {
	Entry string
	Err   error
}

func (e *EntryError) Error() string {
	return "matrix " + e.Entry + ": " + e.Err.Error()
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
