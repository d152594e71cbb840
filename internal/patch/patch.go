// Package patch applies the small textual edits the upstream tree needs
// before it can be built against internal infrastructure.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var ErrPatternNotFound = errors.New("pattern_not_found")

// Patch is either an append or a replace against one file, relative to the
// source root.
type Patch struct {
	File    string
	Append  []string
	Old     string
	New     string
	Replace bool
}

// Vars are substituted into patch values as ${NAME}. Unknown names fall back
// to the process environment.
type Vars map[string]string

func (v Vars) Expand(s string) string {
	return os.Expand(s, func(key string) string {
		if val, ok := v[key]; ok {
			return val
		}
		return os.Getenv(key)
	})
}

type Applier struct {
	root   string
	vars   Vars
	logger *zap.Logger
}

func NewApplier(root string, vars Vars, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{root: root, vars: vars, logger: logger}
}

// ApplyAll applies patches in order and stops at the first failure.
func (a *Applier) ApplyAll(patches []Patch) error {
	for i, p := range patches {
		changed, err := a.Apply(p)
		if err != nil {
			return fmt.Errorf("patch %d (%s): %w", i, p.File, err)
		}
		a.logger.Info("patch applied", zap.String("file", p.File), zap.Bool("changed", changed))
	}
	return nil
}

// Apply reports whether the file content changed.
func (a *Applier) Apply(p Patch) (bool, error) {
	path := filepath.Join(a.root, filepath.FromSlash(p.File))
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	content := string(raw)

	var updated string
	if p.Replace {
		updated, err = a.replace(content, p)
	} else {
		updated = a.appendLines(content, p)
	}
	if err != nil {
		return false, err
	}
	if updated == content {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("write: %w", err)
	}
	return true, nil
}

func (a *Applier) replace(content string, p Patch) (string, error) {
	old := a.vars.Expand(p.Old)
	repl := a.vars.Expand(p.New)
	if old == "" {
		return "", errors.New("replace pattern is empty")
	}
	// Text that already reads repl is patched, even when repl contains old.
	if repl != "" && strings.Contains(content, repl) {
		parts := strings.Split(content, repl)
		for i := range parts {
			parts[i] = strings.ReplaceAll(parts[i], old, repl)
		}
		return strings.Join(parts, repl), nil
	}
	if !strings.Contains(content, old) {
		return "", fmt.Errorf("%w: %q", ErrPatternNotFound, old)
	}
	return strings.ReplaceAll(content, old, repl), nil
}

// appendLines is a no-op when the file already ends with the same block.
func (a *Applier) appendLines(content string, p Patch) string {
	lines := make([]string, 0, len(p.Append))
	for _, l := range p.Append {
		lines = append(lines, a.vars.Expand(l))
	}
	block := strings.Join(lines, "\n") + "\n"
	if strings.HasSuffix(content, block) {
		return content
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + block
}
