package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/publish"
)

var (
	publishOut       string
	publishFolder    string
	publishChangelog string
	publishBlacklist []string
)

var publishCmd = &cobra.Command{
	Use:   "publish <mod directory>",
	Short: "Compress a mod for upload to the update service",
	Long: `Compress every file the mod references into .lzma transfer payloads and
write the manifest describing them. Upload the output directory to the
service's storage under the chosen folder.`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishOut, "out", "o", "", "output directory (required)")
	publishCmd.Flags().StringVar(&publishFolder, "folder", "", "server folder of the payloads (required)")
	publishCmd.Flags().StringVar(&publishChangelog, "changelog", "", "release notes for this version")
	publishCmd.Flags().StringSliceVar(&publishBlacklist, "blacklist", nil, "paths installs must delete")
	_ = publishCmd.MarkFlagRequired("out")
	_ = publishCmd.MarkFlagRequired("folder")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	mod, err := moddesc.Load(args[0])
	if err != nil {
		return err
	}
	if err := os.MkdirAll(publishOut, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	out := cmd.OutOrStdout()
	p := publish.New(publish.Options{
		Concurrency: cfg.Concurrency,
		Logger:      logger.Logger,
		Metrics:     stats,
	})
	entry, err := p.Publish(cmd.Context(), mod, publish.Target{
		Dir:       publishOut,
		Folder:    publishFolder,
		Changelog: publishChangelog,
		Blacklist: publishBlacklist,
	}, func(done, total int) {
		fmt.Fprintf(out, "\r  compressed %d/%d files", done, total)
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	var size, compressed int64
	for _, f := range entry.Files {
		size += f.Size
		compressed += f.TransferSize
	}
	fmt.Fprintln(out, green(fmt.Sprintf("Published %s %s: %d files, %d bytes compressed to %d",
		mod.Name, entry.Version, len(entry.Files), size, compressed)))
	return nil
}
