// Package ledger keeps a tamper-evident record of every wheel published to
// the index, one row per upload.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wheel_publications (
	publication_id   TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	name             TEXT NOT NULL,
	version          TEXT NOT NULL,
	filename         TEXT NOT NULL,
	sha256           TEXT NOT NULL,
	size_bytes       BIGINT NOT NULL,
	index_url        TEXT NOT NULL,
	published_at     TIMESTAMPTZ NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS wheel_publications_run_id_idx ON wheel_publications (run_id)`,
}

type Publication struct {
	PublicationID   string
	RunID           string
	Name            string
	Version         string
	Filename        string
	SHA256          string
	SizeBytes       int64
	IndexURL        string
	PublishedAt     time.Time
	IntegritySHA256 string
}

func (p Publication) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"run id", p.RunID},
		{"name", p.Name},
		{"version", p.Version},
		{"filename", p.Filename},
		{"sha256", p.SHA256},
		{"index url", p.IndexURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", f.name))
		}
	}
	if p.SizeBytes < 0 {
		errs = append(errs, errors.New("size must be >= 0"))
	}
	return errors.Join(errs...)
}

type Store struct {
	db DB
}

func NewStore(db DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure wheel_publications schema: %w", err)
		}
	}
	return nil
}

// Record inserts one publication and returns it with its generated id and
// integrity hash filled in.
func (s *Store) Record(ctx context.Context, p Publication) (Publication, error) {
	if p.PublicationID == "" {
		p.PublicationID = uuid.NewString()
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = time.Now().UTC()
	}
	p.PublishedAt = p.PublishedAt.UTC()
	if err := p.Validate(); err != nil {
		return Publication{}, err
	}
	integrity, err := ComputeIntegritySHA256(p)
	if err != nil {
		return Publication{}, err
	}
	p.IntegritySHA256 = integrity

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wheel_publications (
			publication_id,
			run_id,
			name,
			version,
			filename,
			sha256,
			size_bytes,
			index_url,
			published_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.PublicationID,
		p.RunID,
		p.Name,
		p.Version,
		p.Filename,
		p.SHA256,
		p.SizeBytes,
		p.IndexURL,
		p.PublishedAt,
		p.IntegritySHA256,
	)
	if err != nil {
		return Publication{}, fmt.Errorf("insert publication: %w", err)
	}
	return p, nil
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]Publication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT publication_id, run_id, name, version, filename, sha256, size_bytes, index_url, published_at, integrity_sha256
		FROM wheel_publications
		WHERE run_id = $1
		ORDER BY published_at, filename`, runID)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Publication
	for rows.Next() {
		var p Publication
		if err := rows.Scan(&p.PublicationID, &p.RunID, &p.Name, &p.Version, &p.Filename, &p.SHA256,
			&p.SizeBytes, &p.IndexURL, &p.PublishedAt, &p.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		p.PublishedAt = p.PublishedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	return out, nil
}

// Verify recomputes the integrity hash of a stored row.
func Verify(p Publication) error {
	want, err := ComputeIntegritySHA256(p)
	if err != nil {
		return err
	}
	if want != p.IntegritySHA256 {
		return fmt.Errorf("publication %s: integrity mismatch", p.PublicationID)
	}
	return nil
}

func ComputeIntegritySHA256(p Publication) (string, error) {
	type integrityInput struct {
		PublicationID string    `json:"publication_id"`
		RunID         string    `json:"run_id"`
		Name          string    `json:"name"`
		Version       string    `json:"version"`
		Filename      string    `json:"filename"`
		SHA256        string    `json:"sha256"`
		SizeBytes     int64     `json:"size_bytes"`
		IndexURL      string    `json:"index_url"`
		PublishedAt   time.Time `json:"published_at"`
	}
	blob, err := json.Marshal(integrityInput{
		PublicationID: p.PublicationID,
		RunID:         p.RunID,
		Name:          p.Name,
		Version:       p.Version,
		Filename:      p.Filename,
		SHA256:        p.SHA256,
		SizeBytes:     p.SizeBytes,
		IndexURL:      p.IndexURL,
		PublishedAt:   p.PublishedAt.UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
