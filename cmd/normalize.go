package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/opendata-harvester/internal/normalize"
)

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Convert every saved file listed by the manifests into CSV",
		Long: `Walks paths.raw_root for manifest.json files and converts each saved
csv, tsv, xlsx, json, geojson or zip file into CSV under paths.csv_root,
keeping the dataset's relative path. Safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()

			var opts []normalize.Option
			mirror, err := appInstance.Mirror(cmd.Context())
			if err != nil {
				return err
			}
			if mirror != nil {
				opts = append(opts, normalize.WithMirror(mirror))
			}
			pub, err := appInstance.Publisher(cmd.Context())
			if err != nil {
				return err
			}
			if pub != nil {
				opts = append(opts, normalize.WithPublisher(pub))
			}

			n := normalize.New(normalize.Config{
				RawRoot:           cfg.Paths.RawRoot,
				CSVRoot:           cfg.Paths.CSVRoot,
				MaxArchiveDepth:   cfg.Normalize.MaxArchiveDepth,
				MaxArchiveMembers: cfg.Normalize.MaxArchiveMembers,
				MaxExtractBytes:   cfg.Normalize.MaxExtractBytes,
				MirrorPrefix:      cfg.Mirror.Prefix,
				Topic:             cfg.PubSub.Topic,
			}, appInstance.Logger(), opts...)

			summary, err := n.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Processed %d manifests (%d unreadable). CSV files written: %d.\n",
				summary.Manifests, summary.Failed, len(summary.Outputs))
			return err
		},
	}
}
