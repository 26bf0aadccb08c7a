// Package apply commits a staged update into the live mod directory.
package apply

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/paths"
	"github.com/distantorigin/mod-updater/internal/plan"
	"github.com/distantorigin/mod-updater/internal/stage"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

// Options configures an Applier
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Receives textual status while applying
	Status func(string)
}

// Result describes what an apply changed in the live tree
type Result struct {
	// Relative paths written, sorted
	Copied []string
	// Relative paths removed, sorted
	Deleted []string
	// Deletions that failed; the apply still succeeded
	DeleteFailures []error
}

// Applier is the only component that mutates a live mod directory
type Applier struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	status  func(string)
}

// New creates an Applier
func New(opts Options) *Applier {
	status := opts.Status
	if status == nil {
		status = func(string) {}
	}
	return &Applier{
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		status:  status,
	}
}

// pending is one staged file on its way into the live tree
type pending struct {
	rel    string
	target string
	tmp    string
	backup string
	// target existed before the apply and was moved to backup
	replaced  bool
	committed bool
}

// Apply writes every staged file of st over p.Root, removes p.Deletions,
// prunes empty directories and discards the staging directory.
//
// Copies happen in two phases. Every staged file is first written to a
// temporary sibling of its target; only when all of them exist are they
// renamed into place. If any copy or rename fails, renames already made are
// undone and the live tree is left as it was. Deletion failures are logged
// and reported in Result.DeleteFailures without failing the apply.
func (a *Applier) Apply(p *plan.Plan, st *stage.Stager) (res *Result, err error) {
	start := time.Now()
	defer func() {
		failures := 0
		if res != nil {
			failures = len(res.DeleteFailures)
		}
		a.metrics.Applied(time.Since(start), failures, err)
	}()

	if p.Aborted() {
		return nil, fmt.Errorf("refusing to apply aborted plan for %s", p.Mod)
	}
	logger := a.logger.With(zap.String("mod", p.Mod), zap.String("attempt", st.ID()))

	a.status(fmt.Sprintf("Applying update to %s", p.Mod))
	batch, err := a.prepare(logger, p.Root, st)
	if err != nil {
		return nil, err
	}
	if err := a.commit(logger, batch); err != nil {
		return nil, err
	}

	res = &Result{}
	for _, pe := range batch {
		res.Copied = append(res.Copied, pe.rel)
		if pe.replaced {
			if rmErr := os.Remove(pe.backup); rmErr != nil {
				logger.Warn("failed to remove backup", zap.String("path", pe.backup), zap.Error(rmErr))
			}
		}
	}

	a.status(fmt.Sprintf("Removing obsolete files from %s", p.Mod))
	for _, rel := range p.Deletions {
		if err := deleteFile(p.Root, rel); err != nil {
			logger.Warn("failed to delete obsolete file", zap.String("path", rel), zap.Error(err))
			res.DeleteFailures = append(res.DeleteFailures, err)
			continue
		}
		logger.Debug("deleted obsolete file", zap.String("path", rel))
		res.Deleted = append(res.Deleted, rel)
	}

	if err := pruneEmptyDirs(p.Root); err != nil {
		logger.Warn("failed to prune empty directories", zap.Error(err))
	}
	if err := st.Discard(); err != nil {
		logger.Warn("failed to discard staging directory", zap.Error(err))
	}

	logger.Info("update applied",
		zap.Int("copied", len(res.Copied)),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("deleteFailures", len(res.DeleteFailures)))
	return res, nil
}

// prepare copies every staged file next to its target. On failure nothing it
// created is left behind.
func (a *Applier) prepare(logger *zap.Logger, root string, st *stage.Stager) ([]*pending, error) {
	entries := st.Entries()
	batch := make([]*pending, 0, len(entries))
	var created []string

	fail := func(err error) ([]*pending, error) {
		for _, pe := range batch {
			os.Remove(pe.tmp)
		}
		removeDirs(created)
		return nil, err
	}

	for _, e := range entries {
		target, err := paths.Join(root, e.Rel)
		if err != nil {
			return fail(err)
		}
		// Keep the on-disk spelling of an existing file
		target, _ = paths.FindActual(target)

		pe := &pending{
			rel:    e.Rel,
			target: target,
			tmp:    target + ".modupd-" + st.ID() + ".tmp",
			backup: target + ".modupd-" + st.ID() + ".bak",
		}

		dirs, err := mkdirAll(filepath.Dir(target))
		created = append(created, dirs...)
		if err != nil {
			return fail(&syncerr.ApplyIOError{Path: e.Rel, Op: "create directory for", Err: err})
		}
		if err := copyFile(e.Path, pe.tmp); err != nil {
			os.Remove(pe.tmp)
			return fail(&syncerr.ApplyIOError{Path: e.Rel, Op: "copy", Err: err})
		}
		batch = append(batch, pe)
		logger.Debug("prepared file", zap.String("path", e.Rel))
	}
	return batch, nil
}

// commit renames every prepared file into place, journaling each step so a
// failure can be rolled back.
func (a *Applier) commit(logger *zap.Logger, batch []*pending) error {
	for i, pe := range batch {
		if _, err := os.Lstat(pe.target); err == nil {
			if err := os.Rename(pe.target, pe.backup); err != nil {
				return a.rollback(logger, batch[:i], batch[i:], &syncerr.ApplyIOError{Path: pe.rel, Op: "back up", Err: err})
			}
			pe.replaced = true
		}
		if err := os.Rename(pe.tmp, pe.target); err != nil {
			return a.rollback(logger, batch[:i+1], batch[i:], &syncerr.ApplyIOError{Path: pe.rel, Op: "replace", Err: err})
		}
		pe.committed = true
	}
	return nil
}

// rollback undoes done in reverse and removes the temporary files of rest.
func (a *Applier) rollback(logger *zap.Logger, done, rest []*pending, cause error) error {
	logger.Warn("rolling back partially applied update", zap.Int("files", len(done)), zap.Error(cause))

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		pe := done[i]
		if pe.committed {
			if err := os.Remove(pe.target); err != nil {
				errs = append(errs, err)
			}
		}
		if pe.replaced {
			if err := os.Rename(pe.backup, pe.target); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, pe := range rest {
		if err := os.Remove(pe.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logger.Error("rollback incomplete", zap.Error(errors.Join(errs...)))
	}
	return cause
}

func deleteFile(root, rel string) error {
	target, err := paths.Join(root, rel)
	if err != nil {
		return &syncerr.ApplyIOError{Path: rel, Op: "delete", Err: err}
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &syncerr.ApplyIOError{Path: rel, Op: "delete", Err: err}
	}
	return nil
}

// pruneEmptyDirs removes every empty directory below root, deepest first. root itself is kept.
func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	removeDirs(dirs)
	return nil
}

// removeDirs removes each directory in order if it is empty.
func removeDirs(dirs []string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			os.Remove(dir)
		}
	}
}

// mkdirAll is os.MkdirAll that also returns the directories it created, deepest first.
func mkdirAll(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}
	return missing, os.MkdirAll(dir, 0755)
}

// copyFile copies src to dst, keeping src's modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
