// Package source fetches exactly one revision of the upstream tree.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/animus-labs/wheelwright/internal/runner"
	"go.uber.org/zap"
)

type Options struct {
	Repository string
	Revision   string
	Dir        string
	Submodules bool
	Git        string
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.Repository) == "" {
		return errors.New("repository is required")
	}
	if strings.TrimSpace(o.Revision) == "" {
		return errors.New("revision is required")
	}
	if strings.TrimSpace(o.Dir) == "" {
		return errors.New("checkout dir is required")
	}
	return nil
}

type Checkout struct {
	runner runner.Runner
	logger *zap.Logger
}

func NewCheckout(r runner.Runner, logger *zap.Logger) *Checkout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkout{runner: r, logger: logger}
}

// Fetch materializes opts.Revision in opts.Dir with a shallow fetch and
// returns the commit that was checked out.
func (c *Checkout) Fetch(ctx context.Context, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	git := strings.TrimSpace(opts.Git)
	if git == "" {
		git = "git"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkout dir: %w", err)
	}

	if err := c.git(ctx, git, opts.Dir, "init", "--quiet"); err != nil {
		return "", err
	}
	if err := c.setRemote(ctx, git, opts); err != nil {
		return "", err
	}

	steps := [][]string{
		{"fetch", "--quiet", "--depth", "1", "origin", opts.Revision},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	if opts.Submodules {
		steps = append(steps, []string{"submodule", "update", "--init", "--recursive", "--depth", "1"})
	}
	for _, args := range steps {
		if err := c.git(ctx, git, opts.Dir, args...); err != nil {
			return "", err
		}
	}

	res, err := c.runner.Run(ctx, runner.Command{Name: git, Args: []string{"rev-parse", "HEAD"}, Dir: opts.Dir})
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	commit := strings.TrimSpace(res.Output)
	if fields := strings.Fields(commit); len(fields) > 0 {
		commit = fields[len(fields)-1]
	}
	if commit == "" {
		return "", errors.New("git rev-parse returned no commit")
	}
	c.logger.Info("source checked out",
		zap.String("repository", opts.Repository),
		zap.String("revision", opts.Revision),
		zap.String("commit", commit))
	return commit, nil
}

// setRemote points origin at opts.Repository. A directory kept from an
// earlier run already has origin, so adding it fails and the URL is reset
// instead.
func (c *Checkout) setRemote(ctx context.Context, git string, opts Options) error {
	_, err := c.runner.Run(ctx, runner.Command{Name: git, Args: []string{"remote", "add", "origin", opts.Repository}, Dir: opts.Dir})
	if err == nil {
		return nil
	}
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("git remote: %w", err)
	}
	c.logger.Debug("origin exists, resetting url", zap.String("dir", opts.Dir))
	return c.git(ctx, git, opts.Dir, "remote", "set-url", "origin", opts.Repository)
}

func (c *Checkout) git(ctx context.Context, git, dir string, args ...string) error {
	if _, err := c.runner.Run(ctx, runner.Command{Name: git, Args: args, Dir: dir}); err != nil {
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}
