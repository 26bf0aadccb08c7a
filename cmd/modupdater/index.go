package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/distantorigin/mod-updater/internal/container"
	"github.com/distantorigin/mod-updater/internal/index"
	"github.com/distantorigin/mod-updater/internal/moddesc"
)

var indexAll bool

var indexCmd = &cobra.Command{
	Use:   "index <mod directory>",
	Short: "Print the content digests of a mod's files",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexAll, "all", "a", false, "index every file in the directory, not only the mod's files")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	mod, err := moddesc.Load(args[0])
	if err != nil {
		return err
	}

	codec, err := container.New(container.DefaultOptions())
	if err != nil {
		return err
	}
	defer codec.Close()

	indexer, err := index.NewIndexer(index.Options{
		Codec:     codec,
		CacheSize: cfg.HashCacheSize,
		Logger:    logger.Logger,
		Metrics:   stats,
	})
	if err != nil {
		return err
	}
	var idx *index.Index
	if indexAll {
		idx, err = indexer.BuildTree(cmd.Context(), mod.Name, mod.Root, nil)
	} else {
		idx, err = indexer.Build(cmd.Context(), mod, nil)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if idx.Fallback {
		fmt.Fprintln(out, yellow("file list could not be resolved; every file was indexed"))
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tHASH\tSTORED HASH")
	for _, rec := range idx.Records() {
		stored := rec.CompressedContentHash
		if stored == "" {
			stored = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Path, rec.Size, rec.ContentHash, stored)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d files indexed\n", idx.Len(), len(idx.Files))
	return nil
}
