package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/catalog"
	"github.com/JakeFAU/opendata-harvester/internal/ckan"
	"github.com/JakeFAU/opendata-harvester/internal/download"
	collyfetcher "github.com/JakeFAU/opendata-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/opendata-harvester/internal/ingest"
	"github.com/JakeFAU/opendata-harvester/internal/policy/blocklist"
	"github.com/JakeFAU/opendata-harvester/internal/policy/ratelimit"
)

func newIngestCatalogCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "ingest-catalog",
		Short: "Download the files behind every entry of a catalog CSV",
		Long: `Reads a catalog table with "Dataset Name" and "Direct Link" columns.
Direct file links are downloaded as-is; landing pages are scanned for file
links and the first few are downloaded. Every dataset gets a manifest.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			if catalogPath == "" {
				catalogPath = cfg.Paths.Catalog
			}
			entries, err := catalog.Read(catalogPath)
			if err != nil {
				return err
			}

			in, _, err := buildIngester(cmd.Context(), appInstance)
			if err != nil {
				return err
			}
			summary, err := in.IngestCatalog(cmd.Context(), entries)
			printIngestSummary(cmd, "catalog entries", summary)
			return err
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog CSV (defaults to paths.catalog)")
	return cmd
}

func newIngestCKANCmd() *cobra.Command {
	var refsFile string
	cmd := &cobra.Command{
		Use:   "ingest-ckan [dataset-slug-or-url...]",
		Short: "Download every resource of the given CKAN datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			refs := append([]string{}, args...)
			if refsFile != "" {
				fromFile, err := readRefs(refsFile)
				if err != nil {
					return err
				}
				refs = append(refs, fromFile...)
			}
			if len(refs) == 0 {
				return fmt.Errorf("at least one dataset slug or URL is required")
			}

			in, fetcher, err := buildIngester(cmd.Context(), appInstance)
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			client := ckan.NewClient(cfg.CKAN.APIBase, cfg.CKAN.PortalHost, fetcher)
			summary, err := in.IngestCKAN(cmd.Context(), client, refs)
			printIngestSummary(cmd, "datasets", summary)
			return err
		},
	}
	cmd.Flags().StringVar(&refsFile, "refs-file", "", "file with one dataset slug or URL per line")
	return cmd
}

func buildIngester(ctx context.Context, appInstance App) (*ingest.Ingester, *collyfetcher.Fetcher, error) {
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	store, err := appInstance.Ledger(ctx)
	if err != nil {
		return nil, nil, err
	}
	pub, err := appInstance.Publisher(ctx)
	if err != nil {
		return nil, nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.PageTimeout,
	}, logger.Named("fetcher"))
	downloader := download.New(download.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		ProbeTimeout:  cfg.HTTP.ProbeTimeout,
		StreamTimeout: cfg.HTTP.StreamTimeout,
	}, logger)

	opts := []ingest.Option{
		ingest.WithLedger(store),
		ingest.WithPacer(ratelimit.New(ratelimit.Config{Pause: cfg.Ingest.Pause})),
		ingest.WithBlocklist(blocklist.New(cfg.Ingest.BlockedDomains)),
	}
	if pub != nil {
		opts = append(opts, ingest.WithPublisher(pub))
	}
	in := ingest.New(ingest.Config{
		RawRoot:       cfg.Paths.RawRoot,
		SizeLimit:     cfg.Download.SizeLimitBytes,
		MaxLinks:      cfg.Ingest.MaxLinksPerDataset,
		CKANNamespace: cfg.CKAN.Namespace,
		Topic:         cfg.PubSub.Topic,
	}, fetcher, downloader, logger.Named("ingest"), opts...)
	return in, fetcher, nil
}

func printIngestSummary(cmd *cobra.Command, unit string, s ingest.Summary) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"Processed %d %s (%d failed). Files downloaded: %d. Skipped: %d. Errors: %d.\n",
		s.Datasets+s.Failed, unit, s.Failed, s.Downloaded, s.Skipped, s.Errors)
	zap.L().Debug("ingest summary", zap.String("run_id", s.RunID), zap.Strings("manifests", s.Manifests))
}

// readRefs reads one reference per line, skipping blanks and # comments.
func readRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open refs file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var refs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read refs file: %w", err)
	}
	return refs, nil
}
