// Package storage opens the configured mirror for normalized outputs.
package storage

import (
	"context"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/storage/gcs"
	"github.com/JakeFAU/opendata-harvester/internal/storage/local"
)

// Provider names accepted by Open.
const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderGCS   = "gcs"
)

// Config selects and configures the mirror.
type Config struct {
	Provider  string
	BaseDir   string
	GCSBucket string
}

// ClientFactory builds the GCS client. Tests substitute their own.
type ClientFactory func(ctx context.Context) (*gcsstorage.Client, error)

// DefaultClientFactory uses Application Default Credentials.
func DefaultClientFactory(ctx context.Context) (*gcsstorage.Client, error) {
	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return client, nil
}

// Open returns the mirror named by cfg.Provider and a function releasing its
// resources. The "none" provider yields a nil store.
func Open(ctx context.Context, cfg Config, factory ClientFactory, logger *zap.Logger) (pipeline.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case "", ProviderNone:
		return nil, noop, nil
	case ProviderLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local mirror: %w", err)
		}
		return store, noop, nil
	case ProviderGCS:
		if factory == nil {
			factory = DefaultClientFactory
		}
		client, err := factory(ctx)
		if err != nil {
			return nil, noop, err
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err == nil {
			err = store.CheckBucket(ctx)
		}
		if err != nil {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("close GCS client after failed bucket check", zap.Error(cerr))
			}
			return nil, noop, fmt.Errorf("open gcs mirror: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown mirror provider %q", cfg.Provider)
	}
}
