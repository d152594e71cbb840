package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/ledger"
	"github.com/animus-labs/wheelwright/internal/metrics"
	"github.com/animus-labs/wheelwright/internal/mirror"
	"github.com/animus-labs/wheelwright/internal/notify"
	"github.com/animus-labs/wheelwright/internal/pipeline"
	"github.com/animus-labs/wheelwright/internal/platform/natsbus"
	"github.com/animus-labs/wheelwright/internal/platform/objectstore"
	"github.com/animus-labs/wheelwright/internal/platform/postgres"
	"github.com/animus-labs/wheelwright/internal/publish"
	"github.com/animus-labs/wheelwright/internal/runner"
	"go.uber.org/zap"
)

// wiring owns the clients a run opens and closes them afterwards.
type wiring struct {
	deps    pipeline.Deps
	closers []func()
}

func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func newUploader(cfg config.Config) (*publish.Uploader, error) {
	if err := cfg.ValidatePublish(); err != nil {
		return nil, err
	}
	return publish.NewUploader(publish.Config{
		IndexURL:     cfg.Publish.IndexURL,
		Username:     cfg.Publish.Username,
		Password:     cfg.Secrets.IndexPassword,
		TokenURL:     cfg.Publish.TokenURL,
		ClientID:     cfg.Publish.ClientID,
		ClientSecret: cfg.Secrets.IndexClientSecret,
		Scopes:       cfg.Publish.Scopes,
		Timeout:      cfg.Publish.Timeout,
	}, logger)
}

// wire builds the pipeline collaborators the configuration enables. Ledger
// and mirror are required once enabled; an unreachable message bus only
// disables notifications.
func wire(ctx context.Context, cfg config.Config) (*wiring, error) {
	w := &wiring{deps: pipeline.Deps{
		Runner:  runner.NewExecRunner(logger),
		Metrics: metrics.New(),
		Logger:  logger,
	}}
	ok := false
	defer func() {
		if !ok {
			w.Close()
		}
	}()

	if !cfg.Publish.Skip {
		uploader, err := newUploader(cfg)
		if err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
		w.deps.Uploader = uploader
	}

	if cfg.Ledger.Enabled {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		w.closers = append(w.closers, func() { _ = db.Close() })
		store, err := openLedger(ctx, db)
		if err != nil {
			return nil, err
		}
		w.deps.Ledger = store
	}

	if cfg.Mirror.Enabled {
		osCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		store, err := objectstore.NewMinioStore(osCfg)
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		m, err := mirror.New(store, cfg.Mirror.Bucket, cfg.Mirror.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		w.deps.Mirror = m
	}

	if cfg.Notify.NATSURL != "" {
		pub, err := natsbus.Connect(cfg.Notify.NATSURL, "wheelwright", logger)
		if err != nil {
			logger.Warn("notifications disabled", zap.Error(err))
		} else {
			w.closers = append(w.closers, pub.Close)
			w.deps.Notifier = notify.New(pub, cfg.Notify.Subject, logger)
		}
	}

	ok = true
	return w, nil
}

func openLedger(ctx context.Context, db *sql.DB) (*ledger.Store, error) {
	store, err := ledger.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return store, nil
}
