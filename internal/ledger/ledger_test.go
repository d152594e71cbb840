package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/animus-labs/wheelwright/internal/platform/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	execs []execCall
	err   error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return nil, f.err
}

func (f *fakeDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func samplePublication() Publication {
	return Publication{
		RunID:       "12345",
		Name:        "triton-nightly",
		Version:     "3.1.0.dev202501010000",
		Filename:    "triton_nightly-3.1.0.dev202501010000-cp312-cp312-manylinux_2_28_x86_64.whl",
		SHA256:      "ab12",
		SizeBytes:   1024,
		IndexURL:    "https://upload.example.org/legacy/",
		PublishedAt: time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC),
	}
}

func TestRecordFillsIDAndIntegrity(t *testing.T) {
	db := &fakeDB{}
	store, err := NewStore(db)
	require.NoError(t, err)

	got, err := store.Record(context.Background(), samplePublication())
	require.NoError(t, err)
	_, err = uuid.Parse(got.PublicationID)
	require.NoError(t, err)
	require.Len(t, got.IntegritySHA256, 64)
	require.NoError(t, Verify(got))

	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].query, "INSERT INTO wheel_publications")
	assert.Equal(t, got.PublicationID, db.execs[0].args[0])
	assert.Equal(t, got.IntegritySHA256, db.execs[0].args[9])
}

func TestRecordValidates(t *testing.T) {
	db := &fakeDB{}
	store, err := NewStore(db)
	require.NoError(t, err)

	p := samplePublication()
	p.SHA256 = ""
	_, err = store.Record(context.Background(), p)
	require.Error(t, err)
	assert.Empty(t, db.execs)
}

func TestRecordWrapsInsertError(t *testing.T) {
	store, err := NewStore(&fakeDB{err: errors.New("connection refused")})
	require.NoError(t, err)
	_, err = store.Record(context.Background(), samplePublication())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert publication")
}

func TestVerifyDetectsTampering(t *testing.T) {
	p := samplePublication()
	p.PublicationID = "pub-1"
	sum, err := ComputeIntegritySHA256(p)
	require.NoError(t, err)
	p.IntegritySHA256 = sum
	require.NoError(t, Verify(p))

	p.Version = "3.1.0"
	require.Error(t, Verify(p))
}

func TestStoreRoundTripPostgres(t *testing.T) {
	url := os.Getenv("WHEELWRIGHT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("set WHEELWRIGHT_TEST_DATABASE_URL to run against postgres")
	}
	t.Setenv("WHEELWRIGHT_DATABASE_URL", url)
	cfg, err := postgres.ConfigFromEnv()
	require.NoError(t, err)
	db, err := postgres.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))

	p := samplePublication()
	p.RunID = "test-" + uuid.NewString()
	saved, err := store.Record(context.Background(), p)
	require.NoError(t, err)

	list, err := store.ListByRun(context.Background(), p.RunID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, saved.PublicationID, list[0].PublicationID)
	require.NoError(t, Verify(list[0]))
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	store, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.Len(t, db.execs, 2)
	assert.Contains(t, db.execs[0].query, "CREATE TABLE IF NOT EXISTS wheel_publications")
}
