package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsubclient "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/config"
	"github.com/JakeFAU/opendata-harvester/internal/ledger"
	"github.com/JakeFAU/opendata-harvester/internal/logging"
	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/opendata-harvester/internal/storage"
	"github.com/JakeFAU/opendata-harvester/internal/telemetry"
)

// App is what commands need from the process. Optional backends are opened
// on first use so a command only connects to what it touches.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Ledger(ctx context.Context) (ledger.Store, error)
	Mirror(ctx context.Context) (pipeline.BlobStore, error)
	Publisher(ctx context.Context) (pipeline.Publisher, error)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	s := &services{cfg: cfg, logger: logger}
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version,
			ProjectID:   cfg.Tracing.ProjectID,
		})
		if err != nil {
			_ = logger.Sync()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		s.closers = append(s.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		})
	}
	return s, nil
}

type services struct {
	cfg    config.Config
	logger *zap.Logger

	mu        sync.Mutex
	closers   []func() error
	ledger    ledger.Store
	mirror    pipeline.BlobStore
	mirrorSet bool
	publisher pipeline.Publisher
	pubSet    bool
}

func (s *services) Config() config.Config { return s.cfg }

func (s *services) Logger() *zap.Logger { return s.logger }

func (s *services) Ledger(ctx context.Context) (ledger.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger != nil {
		return s.ledger, nil
	}
	store, err := ledger.Open(ctx, ledger.Config{DSN: s.cfg.Ledger.DSN, Table: s.cfg.Ledger.Table}, s.logger)
	if err != nil {
		return nil, err
	}
	s.ledger = store
	s.closers = append(s.closers, func() error { store.Close(); return nil })
	return store, nil
}

func (s *services) Mirror(ctx context.Context) (pipeline.BlobStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirrorSet {
		return s.mirror, nil
	}
	store, closeFn, err := storage.Open(ctx, storage.Config{
		Provider:  s.cfg.Mirror.Provider,
		BaseDir:   s.cfg.Mirror.BaseDir,
		GCSBucket: s.cfg.Mirror.GCSBucket,
	}, storage.DefaultClientFactory, s.logger)
	if err != nil {
		return nil, err
	}
	s.mirror, s.mirrorSet = store, true
	s.closers = append(s.closers, closeFn)
	return store, nil
}

func (s *services) Publisher(ctx context.Context) (pipeline.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubSet {
		return s.publisher, nil
	}
	s.pubSet = true
	if s.cfg.PubSub.ProjectID == "" || s.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	client, err := pubsubclient.NewClient(ctx, s.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsub.New(client)
	s.publisher = pub
	s.closers = append(s.closers, func() error {
		pub.Stop()
		return client.Close()
	})
	return pub, nil
}

// Close releases backends in reverse order of opening and flushes the logger.
func (s *services) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("closing services", zap.Error(err))
	}
	_ = s.logger.Sync()
}
