package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/opendata-harvester/internal/api"
	"github.com/JakeFAU/opendata-harvester/internal/ledger"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status server (health, metrics, inventory, attempts)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			logger := appInstance.Logger()

			store, err := appInstance.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			var reader ledger.Reader
			if r, ok := store.(ledger.Reader); ok {
				reader = r
			}
			baseDir, _ := os.Getwd()

			server := api.NewServer(api.Options{
				RawRoot:        cfg.Paths.RawRoot,
				BaseDir:        baseDir,
				Ledger:         reader,
				APIKey:         cfg.Server.APIKey,
				RequestTimeout: cfg.Server.RequestTimeout,
			}, logger)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			return runServer(cmd.Context(), srv, logger)
		},
	}
}

// runServer serves until ctx is canceled, then drains in-flight requests.
func runServer(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}
