package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/opendata-harvester/internal/inventory"
)

func newInventoryCmd() *cobra.Command {
	var skipReadme bool
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Index saved files into inventory.csv and the README",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			baseDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			rows, err := inventory.Collect(cfg.Paths.RawRoot, baseDir, appInstance.Logger())
			if err != nil {
				return err
			}
			if err := inventory.WriteCSV(cfg.Paths.InventoryCSV, rows); err != nil {
				return err
			}
			if !skipReadme && cfg.Paths.Readme != "" {
				ref := filepath.ToSlash(cfg.Paths.InventoryCSV)
				if err := inventory.RefreshReadme(cfg.Paths.Readme, ref, rows); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s with %d rows.\n", cfg.Paths.InventoryCSV, len(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipReadme, "no-readme", false, "only write the inventory CSV")
	return cmd
}
