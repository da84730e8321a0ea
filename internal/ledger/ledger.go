// Package ledger wires the optional attempt ledger. Ledger writes are best
// effort: failures are logged and never stop an ingest run.
package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/storage/postgres"
)

// Config names the ledger database.
type Config struct {
	DSN   string
	Table string
}

// Reader lists recorded attempts.
type Reader interface {
	RecentAttempts(ctx context.Context, dataset string, limit int) ([]pipeline.Attempt, error)
}

// Noop discards every attempt.
type Noop struct{}

// Record implements pipeline.Ledger.
func (Noop) Record(context.Context, pipeline.Attempt) error { return nil }

// Store is an open ledger that must be closed.
type Store interface {
	pipeline.Ledger
	Close()
}

type noopStore struct{ Noop }

func (noopStore) Close() {}

// Open connects to Postgres and ensures the table exists. An empty DSN yields
// a no-op ledger.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if cfg.DSN == "" {
		logger.Debug("ledger disabled")
		return noopStore{}, nil
	}
	store, err := postgres.NewLedgerStore(ctx, postgres.LedgerStoreConfig{DSN: cfg.DSN, Table: cfg.Table})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// Safe wraps a ledger so errors are logged instead of returned.
type Safe struct {
	inner  pipeline.Ledger
	logger *zap.Logger
}

// NewSafe wraps inner. A nil inner records nothing.
func NewSafe(inner pipeline.Ledger, logger *zap.Logger) *Safe {
	if inner == nil {
		inner = Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Safe{inner: inner, logger: logger}
}

// Record forwards to the wrapped ledger and always returns nil.
func (s *Safe) Record(ctx context.Context, attempt pipeline.Attempt) error {
	if err := s.inner.Record(ctx, attempt); err != nil {
		s.logger.Warn("ledger write failed",
			zap.String("dataset", attempt.Dataset),
			zap.String("url", attempt.ResourceURL),
			zap.Error(err),
		)
	}
	return nil
}
