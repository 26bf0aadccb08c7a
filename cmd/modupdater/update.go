package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/changelog"
	"github.com/distantorigin/mod-updater/internal/prompt"
)

var (
	updateForce   bool
	updateVerbose bool
	updateDryRun  bool
	updateYes     bool
)

var updateCmd = &cobra.Command{
	Use:   "update [mod directories...]",
	Short: "Download and apply available mod updates",
	Long: `Check every given mod and apply each classic update. Downloads are
verified and staged before anything in the mod directory changes; a failed
update leaves the mod as it was.`,
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().BoolVarP(&updateForce, "force", "f", false, "repair classic mods even when versions match")
	updateCmd.Flags().BoolVarP(&updateVerbose, "verbose", "v", false, "show status messages")
	updateCmd.Flags().BoolVarP(&updateDryRun, "dry-run", "n", false, "only show what would change")
	updateCmd.Flags().BoolVarP(&updateYes, "yes", "y", false, "delete obsolete files without asking")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
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
	obs := newConsoleObserver(out, updateVerbose)
	updates, err := svc.CheckForUpdates(cmd.Context(), mods, updateForce, obs)
	obs.finish()
	if err != nil {
		return err
	}
	printUpdates(out, updates, updateDryRun)
	if updateDryRun {
		return nil
	}

	var failed []error
	for _, u := range updates {
		if !u.Applicable() {
			continue
		}
		if n := len(u.Plan.Deletions); n > 0 {
			question := fmt.Sprintf("Updating %s deletes %d file(s) no longer part of the mod. Continue?", u.Mod.Name, n)
			if !prompt.Confirm(question, prompt.Config{NonInteractive: updateYes, In: cmd.InOrStdin(), Out: out}) {
				fmt.Fprintln(out, yellow(fmt.Sprintf("Skipped %s", u.Mod.Name)))
				continue
			}
		}
		fmt.Fprintf(out, "\nUpdating %s to %s\n", bold(u.Mod.Name), u.ServerVersion)

		res, err := svc.Update(cmd.Context(), u, obs)
		obs.finish()
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", u.Mod.Name, err))
			if cmd.Context().Err() != nil {
				break
			}
			continue
		}

		fmt.Fprintln(out, green(fmt.Sprintf("%s updated to %s", u.Mod.Name, u.ServerVersion)))
		if len(res.DeleteFailures) > 0 {
			fmt.Fprintln(out, yellow(fmt.Sprintf("%d obsolete file(s) could not be deleted", len(res.DeleteFailures))))
		}
		if updateVerbose {
			fmt.Fprintln(out, changelog.Build(u.Plan, res, changelog.BuildConfig{
				LocalVersion: u.LocalVersion,
				Completed:    time.Now(),
			}))
		}
		logger.Info("update applied", zap.String("mod", u.Mod.Name), zap.Int("files", len(res.Copied)))
	}
	return errors.Join(failed...)
}
