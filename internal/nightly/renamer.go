package nightly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wheelwright/internal/wheel"
	"go.uber.org/zap"
)

type Config struct {
	// SourceName is the release distribution name. Wheels of any other
	// distribution fail the batch. Empty disables the check.
	SourceName string
	// NightlyName is the distribution name nightly wheels are published as.
	NightlyName string
	// Timestamp is the 12-digit UTC build stamp.
	Timestamp string
	// ScratchDir is where wheels are unpacked. Empty means os.TempDir().
	ScratchDir     string
	ForceDevSuffix bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.NightlyName) == "" {
		return errors.New("nightly package name is required")
	}
	return ValidateTimestamp(c.Timestamp)
}

// Renamer rewrites wheels one at a time. It is not safe for concurrent use by
// multiple goroutines on the same directory.
type Renamer struct {
	cfg    Config
	policy VersionPolicy
	logger *zap.Logger
}

func NewRenamer(cfg Config, logger *zap.Logger) (*Renamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScratchDir != "" {
		if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch root: %w", err)
		}
	}
	return &Renamer{cfg: cfg, policy: VersionPolicy{ForceDevSuffix: cfg.ForceDevSuffix}, logger: logger}, nil
}

// Result describes one renamed wheel.
type Result struct {
	Source     string
	Output     string
	OldName    string
	OldVersion string
	NewName    string
	NewVersion string
}

type Failure struct {
	Path string
	Err  error
}

// Batch accumulates per-wheel outcomes. OK stays true only while every wheel
// has been renamed.
type Batch struct {
	OK      bool
	Renamed []Result
	Failed  []Failure
}

func NewBatch() Batch {
	return Batch{OK: true}
}

func (b *Batch) Add(res Result, err error, path string) {
	if err != nil {
		b.OK = false
		b.Failed = append(b.Failed, Failure{Path: path, Err: err})
		return
	}
	b.Renamed = append(b.Renamed, res)
}

// Outputs lists the renamed wheel paths.
func (b Batch) Outputs() []string {
	out := make([]string, 0, len(b.Renamed))
	for _, r := range b.Renamed {
		out = append(out, r.Output)
	}
	return out
}

func (b Batch) Err() error {
	if b.OK {
		return nil
	}
	errs := make([]error, 0, len(b.Failed))
	for _, f := range b.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(f.Path), f.Err))
	}
	if len(errs) == 0 {
		return errors.New("nightly rename batch failed")
	}
	return errors.Join(errs...)
}

// RenameAll processes every wheel independently. A failing wheel is recorded
// and left in place; the remaining wheels are still processed.
func (r *Renamer) RenameAll(ctx context.Context, paths []string) Batch {
	batch := NewBatch()
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			batch.Add(Result{}, err, p)
			continue
		}
		res, err := r.Rename(p)
		if err != nil {
			r.logger.Error("nightly rename failed", zap.String("wheel", filepath.Base(p)), zap.Error(err))
		} else {
			r.logger.Info("nightly rename complete",
				zap.String("wheel", filepath.Base(p)),
				zap.String("output", filepath.Base(res.Output)),
				zap.String("version", res.NewVersion))
		}
		batch.Add(res, err, p)
	}
	return batch
}

// Rename converts one wheel. On success the original file is removed and the
// renamed wheel sits next to it. On failure the original is untouched.
func (r *Renamer) Rename(src string) (Result, error) {
	scratch, err := os.MkdirTemp(r.cfg.ScratchDir, "wheelwright-unpack-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			r.logger.Warn("scratch cleanup failed", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	unpackDir := filepath.Join(scratch, "unpacked")
	root, err := wheel.Unpack(src, unpackDir)
	if err != nil {
		return Result{}, fmt.Errorf("unpack: %w", err)
	}
	distInfo, err := wheel.FindDistInfo(root)
	if err != nil {
		return Result{}, err
	}
	metaPath := filepath.Join(root, distInfo, "METADATA")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return Result{}, fmt.Errorf("read METADATA: %w", err)
	}
	meta, err := wheel.ParseMetadata(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse METADATA: %w", err)
	}
	oldName, err := meta.Name()
	if err != nil {
		return Result{}, err
	}
	oldVersion, err := meta.Version()
	if err != nil {
		return Result{}, err
	}
	if r.cfg.SourceName != "" && !wheel.SameName(oldName, r.cfg.SourceName) && !wheel.SameName(oldName, r.cfg.NightlyName) {
		return Result{}, fmt.Errorf("unexpected distribution %q, want %q", oldName, r.cfg.SourceName)
	}

	newName := r.cfg.NightlyName
	newVersion := r.policy.Derive(oldVersion, r.cfg.Timestamp)
	oldStem := strings.TrimSuffix(distInfo, ".dist-info")
	newStem := wheel.Stem(newName, newVersion)

	newRoot := filepath.Join(unpackDir, newStem)
	if err := renameDir(root, newRoot); err != nil {
		return Result{}, err
	}
	if err := renameDir(filepath.Join(newRoot, distInfo), filepath.Join(newRoot, newStem+".dist-info")); err != nil {
		return Result{}, err
	}
	oldData := filepath.Join(newRoot, oldStem+".data")
	if info, statErr := os.Stat(oldData); statErr == nil && info.IsDir() {
		if err := renameDir(oldData, filepath.Join(newRoot, newStem+".data")); err != nil {
			return Result{}, err
		}
	}

	meta.Set("Name", newName)
	meta.Set("Version", newVersion)
	newMetaPath := filepath.Join(newRoot, newStem+".dist-info", "METADATA")
	if err := writePreservingMode(newMetaPath, meta.Bytes()); err != nil {
		return Result{}, err
	}

	outDir := filepath.Join(scratch, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	packed, err := wheel.Pack(newRoot, outDir)
	if err != nil {
		return Result{}, fmt.Errorf("repack: %w", err)
	}
	if err := verify(packed, newName, newVersion); err != nil {
		return Result{}, err
	}

	dst := filepath.Join(filepath.Dir(src), filepath.Base(packed))
	if dst != src {
		if _, err := os.Stat(dst); err == nil {
			return Result{}, fmt.Errorf("output %s already exists", filepath.Base(dst))
		}
	}
	if err := moveFile(packed, dst); err != nil {
		return Result{}, err
	}
	if dst != src {
		if err := os.Remove(src); err != nil {
			_ = os.Remove(dst)
			return Result{}, fmt.Errorf("remove original: %w", err)
		}
	}

	return Result{
		Source:     src,
		Output:     dst,
		OldName:    oldName,
		OldVersion: oldVersion,
		NewName:    newName,
		NewVersion: newVersion,
	}, nil
}

// verify checks that the file name, .dist-info directory and METADATA of a
// repacked wheel agree on name and version.
func verify(path, name, version string) error {
	info, err := wheel.ReadInfo(path)
	if err != nil {
		return fmt.Errorf("verify repacked wheel: %w", err)
	}
	if info.Name != name || info.Version != version {
		return fmt.Errorf("repacked METADATA says %s %s, want %s %s", info.Name, info.Version, name, version)
	}
	if info.Filename.Stem() != wheel.Stem(name, version) {
		return fmt.Errorf("repacked file name %s does not match %s", filepath.Base(path), wheel.Stem(name, version))
	}
	return nil
}

func renameDir(from, to string) error {
	if from == to {
		return nil
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(from), err)
	}
	return nil
}

func writePreservingMode(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write METADATA: %w", err)
	}
	return nil
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("open repacked wheel: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()
	tmp, err := os.CreateTemp(filepath.Dir(to), ".wheelwright-*.tmp")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("copy repacked wheel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := os.Rename(tmp.Name(), to); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("place output: %w", err)
	}
	return nil
}
