package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/distantorigin/mod-updater/internal/changelog"
	"github.com/distantorigin/mod-updater/internal/updater"
)

var (
	checkForce   bool
	checkVerbose bool
	checkDetails bool
)

var checkCmd = &cobra.Command{
	Use:   "check [mod directories...]",
	Short: "List mods with an update available",
	Long: `Ask the update service about every given mod and show what an update
would download, copy locally and delete. Nothing is changed on disk.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVarP(&checkForce, "force", "f", false, "plan classic mods even when versions match")
	checkCmd.Flags().BoolVarP(&checkVerbose, "verbose", "v", false, "show indexing status")
	checkCmd.Flags().BoolVar(&checkDetails, "details", false, "list every planned file change")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	mods, err := loadMods(args)
	if err != nil {
		return err
	}

	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	out := cmd.OutOrStdout()
	obs := newConsoleObserver(out, checkVerbose)
	updates, err := svc.CheckForUpdates(cmd.Context(), mods, checkForce, obs)
	obs.finish()
	if err != nil {
		return err
	}

	printUpdates(out, updates, checkDetails)
	return nil
}

func newService() (*updater.UpdateService, error) {
	opts := updater.OptionsFromConfig(cfg)
	opts.Logger = logger.Logger
	opts.Metrics = stats
	return updater.NewUpdateService(opts)
}

func printUpdates(out io.Writer, updates []*updater.ModUpdate, details bool) {
	if len(updates) == 0 {
		fmt.Fprintln(out, green("All mods are up to date."))
		return
	}

	fmt.Fprintf(out, "%s\n\n", bold(fmt.Sprintf("%d update(s) available:", len(updates))))
	for _, u := range updates {
		fmt.Fprintf(out, "  %s  %s -> %s", bold(u.Mod.Name), u.LocalVersion, green(u.ServerVersion))
		if !u.Applicable() {
			fmt.Fprintf(out, "  %s\n", yellow(fmt.Sprintf("(%s, update manually)", u.Kind)))
			continue
		}
		p := u.Plan
		fmt.Fprintf(out, "  [%d download, %d copy, %d delete, %s]\n",
			len(p.Downloads), len(p.Clones), len(p.Deletions), changelog.FormatBytes(p.TotalTransferBytes))
		if p.IndexFallback {
			fmt.Fprintf(out, "    %s\n", yellow("warning: file list could not be resolved, deletions cover every unlisted file"))
		}
		if details {
			fmt.Fprintln(out)
			fmt.Fprintln(out, changelog.Build(p, nil, changelog.BuildConfig{LocalVersion: u.LocalVersion}))
		}
	}
}
