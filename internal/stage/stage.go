// Package stage materializes verified and cloned files in a disposable
// directory that mirrors a mod's relative layout.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/paths"
	"github.com/distantorigin/mod-updater/internal/plan"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

const (
	filesDir    = "files"
	transferDir = "transfer"
)

// Entry is one file ready to be applied
type Entry struct {
	// Normalized path relative to the mod root
	Rel string
	// Absolute path of the staged content
	Path string
}

// Stager owns one update attempt's staging directory. Safe for concurrent use.
type Stager struct {
	id     string
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates a fresh attempt directory under parent.
func New(parent string, logger *zap.Logger) (*Stager, error) {
	id := uuid.NewString()
	dir := filepath.Join(parent, id)
	for _, sub := range []string{filesDir, transferDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, &syncerr.ApplyIOError{Path: dir, Op: "create staging directory", Err: err}
		}
	}
	return &Stager{
		id:      id,
		dir:     dir,
		logger:  logging.OrNop(logger).With(zap.String("attempt", id)),
		entries: make(map[string]Entry),
	}, nil
}

// ID identifies the update attempt.
func (s *Stager) ID() string { return s.id }

// Dir is the attempt's root directory.
func (s *Stager) Dir() string { return s.dir }

// FilePath is where the content of rel is staged.
func (s *Stager) FilePath(rel string) (string, error) {
	return s.path(filesDir, rel, "")
}

// TransferPath is where the compressed payload of rel is downloaded.
func (s *Stager) TransferPath(rel string) (string, error) {
	return s.path(transferDir, rel, manifest.TransferSuffix)
}

func (s *Stager) path(sub, rel, suffix string) (string, error) {
	p, err := paths.Join(filepath.Join(s.dir, sub), rel)
	if err != nil {
		return "", err
	}
	return p + suffix, nil
}

// Add records that f's content is fully written at FilePath(f.Path),
// restoring the server timestamp when one is set.
func (s *Stager) Add(f *manifest.File) error {
	p, err := s.FilePath(f.Path)
	if err != nil {
		return err
	}
	if mt, ok := f.ModTime(); ok {
		if err := os.Chtimes(p, mt, mt); err != nil {
			return &syncerr.ApplyIOError{Path: p, Op: "set timestamp on", Err: err}
		}
	}

	s.mu.Lock()
	s.entries[paths.Key(f.Path)] = Entry{Rel: f.Path, Path: p}
	s.mu.Unlock()

	s.logger.Debug("staged file", zap.String("path", f.Path))
	return nil
}

// StageClones copies each clone source from the live mod root into staging.
func (s *Stager) StageClones(root string, clones []plan.Clone) error {
	for _, c := range clones {
		src, err := paths.Join(root, c.Source.Path)
		if err != nil {
			return err
		}
		dst, err := s.FilePath(c.Target.Path)
		if err != nil {
			return err
		}
		s.logger.Debug("cloning file for move/rename/copy delta change",
			zap.String("source", c.Source.Path), zap.String("path", c.Target.Path))
		if err := copyFile(src, dst); err != nil {
			return &syncerr.ApplyIOError{Path: c.Target.Path, Op: "clone", Err: err}
		}
		if err := s.Add(c.Target); err != nil {
			return err
		}
	}
	return nil
}

// Entries returns every staged file sorted by path.
func (s *Stager) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return paths.Key(out[i].Rel) < paths.Key(out[j].Rel) })
	return out
}

// Discard removes the attempt directory and everything in it.
func (s *Stager) Discard() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &syncerr.ApplyIOError{Path: s.dir, Op: "remove staging directory", Err: err}
	}
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	return out.Close()
}
