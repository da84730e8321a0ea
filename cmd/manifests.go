package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/catalog"
	"github.com/JakeFAU/opendata-harvester/internal/manifest"
)

func newValidateManifestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-manifests",
		Short: "Check every manifest.json under the raw root against the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			root := appInstance.Config().Paths.RawRoot
			logger := appInstance.Logger()

			var checked, invalid int
			err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					return walkErr
				}
				if d.IsDir() || d.Name() != manifest.FileName {
					return nil
				}
				checked++
				data, err := os.ReadFile(p)
				if err == nil {
					err = manifest.Validate(data)
				}
				if err != nil {
					invalid++
					logger.Warn("invalid manifest", zap.String("manifest", p), zap.Error(err))
					fmt.Fprintf(cmd.OutOrStdout(), "INVALID %s: %v\n", p, err)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("walk raw root: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %d manifests, %d invalid.\n", checked, invalid)
			if invalid > 0 {
				return errors.New("invalid manifests found")
			}
			return nil
		},
	}
}

func newSplitCatalogCmd() *cobra.Command {
	var catalogPath, outDir string
	cmd := &cobra.Command{
		Use:   "split-catalog",
		Short: "Write one single-row catalog CSV per dataset",
		Long: `Splits the catalog into one file per dataset, named after the dataset
slug, so single datasets can be re-ingested with ingest-catalog --catalog.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if catalogPath == "" {
				catalogPath = appInstance.Config().Paths.Catalog
			}
			written, err := catalog.Split(catalogPath, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d catalog files to %s.\n", len(written), outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog CSV (defaults to paths.catalog)")
	cmd.Flags().StringVar(&outDir, "out", "data/catalog", "directory for the per-dataset files")
	return cmd
}
