// Package mirror copies published wheels into object storage, keyed by run,
// so every nightly stays retrievable after the index prunes it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wheelwright/internal/wheel"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const contentType = "application/zip"

// Store is the part of an S3-compatible object store the mirror needs.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, meta map[string]string) error
}

type Object struct {
	Bucket string
	Key    string
	SHA256 string
	Size   int64
}

type Mirror struct {
	store  Store
	bucket string
	prefix string
	logger *zap.Logger
}

func New(store Store, bucket, prefix string, logger *zap.Logger) (*Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

func (m *Mirror) EnsureBucket(ctx context.Context) error {
	return m.store.EnsureBucket(ctx, m.bucket)
}

// Key is <prefix>/<run_id>/<filename>, without the prefix when it is empty.
func (m *Mirror) Key(runID, filename string) string {
	return path.Join(m.prefix, runID, filename)
}

// CopyAll mirrors each wheel and stops at the first failure.
func (m *Mirror) CopyAll(ctx context.Context, runID string, paths []string) ([]Object, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	out := make([]Object, 0, len(paths))
	var total int64
	for _, p := range paths {
		obj, err := m.Copy(ctx, runID, p)
		if err != nil {
			return out, err
		}
		total += obj.Size
		out = append(out, obj)
	}
	m.logger.Info("wheels mirrored",
		zap.String("bucket", m.bucket),
		zap.Int("wheels", len(out)),
		zap.String("bytes", humanize.IBytes(uint64(total))))
	return out, nil
}

func (m *Mirror) Copy(ctx context.Context, runID, src string) (Object, error) {
	name := filepath.Base(src)
	sum, size, err := digest(src)
	if err != nil {
		return Object{}, err
	}
	f, err := os.Open(src)
	if err != nil {
		return Object{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	key := m.Key(runID, name)
	meta := map[string]string{"sha256": sum, "run-id": runID}
	if err := m.store.Put(ctx, m.bucket, key, f, size, contentType, meta); err != nil {
		return Object{}, fmt.Errorf("mirror %s: %w", name, err)
	}
	m.logger.Debug("wheel mirrored", zap.String("key", key), zap.String("sha256", sum))
	return Object{Bucket: m.bucket, Key: key, SHA256: sum, Size: size}, nil
}

func digest(src string) (string, int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	sum, size, err := wheel.HexDigest(f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", filepath.Base(src), err)
	}
	return sum, size, nil
}
