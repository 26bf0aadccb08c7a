// Package changelog renders human-readable summaries of mod updates.
package changelog

import (
	"fmt"
	"strings"
	"time"

	"github.com/distantorigin/mod-updater/internal/apply"
	"github.com/distantorigin/mod-updater/internal/plan"
)

// BuildConfig holds configuration for building a changelog
type BuildConfig struct {
	// Version installed before the update
	LocalVersion string
	// Zero means the update has not been applied yet
	Completed time.Time
}

// FormatNotes indents the server's changelog text as a bullet list.
// Blank lines are dropped and each remaining line becomes one note.
func FormatNotes(text string) string {
	var notes strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimLeft(line, "*- ")
		notes.WriteString("* " + line + "\n")
	}
	return notes.String()
}

// Build creates a formatted changelog for p. When res is nil the plan is
// described as pending, otherwise the applied result is listed.
func Build(p *plan.Plan, res *apply.Result, cfg BuildConfig) string {
	var changelog strings.Builder

	changelog.WriteString(fmt.Sprintf("%s Update Changelog\n\n", p.Mod))
	if cfg.LocalVersion != "" && p.Entry != nil {
		changelog.WriteString(fmt.Sprintf("Version: %s -> %s\n", cfg.LocalVersion, p.Entry.Version))
	} else if p.Entry != nil {
		changelog.WriteString(fmt.Sprintf("Version: %s\n", p.Entry.Version))
	}
	if !cfg.Completed.IsZero() {
		changelog.WriteString(fmt.Sprintf("Update completed: %s\n", cfg.Completed.Format("2006-01-02 15:04:05")))
	}

	downloads := make([]string, 0, len(p.Downloads))
	for _, d := range p.Downloads {
		downloads = append(downloads, d.File.Path)
	}
	clones := make([]string, 0, len(p.Clones))
	for _, c := range p.Clones {
		clones = append(clones, fmt.Sprintf("%s (from %s)", c.Target.Path, c.Source.Path))
	}
	deleted := p.Deletions
	if res != nil {
		deleted = res.Deleted
	}

	totalChanges := len(downloads) + len(clones) + len(deleted)
	changelog.WriteString(fmt.Sprintf("Total changes: %d files (%d downloaded, %d cloned, %d deleted)\n",
		totalChanges, len(downloads), len(clones), len(deleted)))
	if p.TotalTransferBytes > 0 {
		changelog.WriteString(fmt.Sprintf("Download size: %s\n", FormatBytes(p.TotalTransferBytes)))
	}

	if p.Entry != nil && strings.TrimSpace(p.Entry.Changelog) != "" {
		changelog.WriteString("\n")
		changelog.WriteString(strings.Repeat("=", 60))
		changelog.WriteString("\nRELEASE NOTES\n")
		changelog.WriteString(strings.Repeat("=", 60))
		changelog.WriteString("\n\n")
		changelog.WriteString(FormatNotes(p.Entry.Changelog))
	}

	changelog.WriteString("\n")
	changelog.WriteString(strings.Repeat("-", 60))
	if res == nil {
		changelog.WriteString("\nPending file changes:\n")
	} else {
		changelog.WriteString("\nDetailed file changes:\n")
	}
	changelog.WriteString(strings.Repeat("-", 60))
	changelog.WriteString("\n\n")

	writeList(&changelog, "Downloaded", "+", downloads)
	writeList(&changelog, "Cloned", "=", clones)
	writeList(&changelog, "Deleted", "-", deleted)

	if res != nil && len(res.DeleteFailures) > 0 {
		changelog.WriteString(fmt.Sprintf("Could not delete (%d files):\n", len(res.DeleteFailures)))
		for _, err := range res.DeleteFailures {
			changelog.WriteString(fmt.Sprintf("  ! %v\n", err))
		}
		changelog.WriteString("\n")
	}
	if p.IndexFallback {
		changelog.WriteString("Note: the mod's file list could not be resolved; every file in its folder was compared.\n")
	}

	return changelog.String()
}

func writeList(b *strings.Builder, title, mark string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("%s (%d files):\n", title, len(items)))
	for _, item := range items {
		b.WriteString(fmt.Sprintf("  %s %s\n", mark, item))
	}
	b.WriteString("\n")
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
