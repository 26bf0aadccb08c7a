// Package plan computes the file operations that bring an installed mod in
// line with its server manifest.
package plan

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/index"
	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/paths"
)

// State is the lifecycle of one download task
type State int32

const (
	Pending State = iota
	InFlight
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Download is a file that has to be fetched from the server. Its state and
// byte counter are safe for concurrent use.
type Download struct {
	File *manifest.File

	state    atomic.Int32
	received atomic.Int64
}

// State returns the task's current state.
func (d *Download) State() State {
	return State(d.state.Load())
}

// SetState moves the task to s.
func (d *Download) SetState(s State) {
	d.state.Store(int32(s))
}

// Received returns the compressed bytes received so far.
func (d *Download) Received() int64 {
	return d.received.Load()
}

// SetReceived records the compressed bytes received so far.
func (d *Download) SetReceived(n int64) {
	d.received.Store(n)
}

// Reset returns the task to Pending with nothing received, for a fresh attempt.
func (d *Download) Reset() {
	d.SetState(Pending)
	d.SetReceived(0)
}

// Clone satisfies Target by copying a local file that already has its content
type Clone struct {
	Target *manifest.File
	Source *index.Record
}

// Plan is the computed update of one mod
type Plan struct {
	Mod   string
	Root  string
	Entry *manifest.ModEntry

	// Files already in sync
	Satisfied []*manifest.File
	// Sorted by path
	Downloads []*Download
	// Sorted by target path
	Clones []Clone
	// Local relative paths to remove, sorted
	Deletions []string

	TotalTransferBytes int64
	// The local index came from a full directory walk
	IndexFallback bool

	aborted atomic.Bool
}

// BytesTransferred sums the bytes received across every download.
func (p *Plan) BytesTransferred() int64 {
	var total int64
	for _, d := range p.Downloads {
		total += d.Received()
	}
	return total
}

// Abort marks the plan as abandoned. Only the first call has an effect.
func (p *Plan) Abort() bool {
	return p.aborted.CompareAndSwap(false, true)
}

// Aborted reports whether the plan was abandoned.
func (p *Plan) Aborted() bool {
	return p.aborted.Load()
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return len(p.Downloads) == 0 && len(p.Clones) == 0 && len(p.Deletions) == 0
}

// Options carries the collaborators of Calculate
type Options struct {
	Logger *zap.Logger
	// Receives "Calculating update delta for <mod> (NN%)"
	Status func(string)
}

// Calculate compares the local index with a mod's manifest. Every manifest
// file ends up in exactly one of Satisfied, Clones or Downloads. Deletions
// hold blacklisted files present locally and local files the manifest no
// longer lists, and never a manifest path.
func Calculate(name string, idx *index.Index, entry *manifest.ModEntry, opts Options) *Plan {
	logger := logging.OrNop(opts.Logger).With(zap.String("mod", name))

	p := &Plan{
		Mod:           name,
		Root:          idx.Root,
		Entry:         entry,
		IndexFallback: idx.Fallback,
	}

	serverPaths := make(map[string]struct{}, len(entry.Files))
	total := len(entry.Files)
	for n, f := range entry.Files {
		if opts.Status != nil {
			opts.Status(fmt.Sprintf("Calculating update delta for %s (%d%%)", name, n*100/total))
		}
		serverPaths[paths.Key(f.Path)] = struct{}{}

		if rec, ok := idx.Lookup(f.Path); ok && Satisfies(rec, f) {
			logger.Debug("file is up to date", zap.String("path", f.Path))
			p.Satisfied = append(p.Satisfied, f)
			continue
		}

		if src := findSource(idx, f); src != nil {
			logger.Debug("file can be cloned from a local file with the same content",
				zap.String("path", f.Path), zap.String("source", src.Path))
			p.Clones = append(p.Clones, Clone{Target: f, Source: src})
			continue
		}

		logger.Debug("file needs download", zap.String("path", f.Path), zap.Int64("bytes", f.TransferSize))
		p.Downloads = append(p.Downloads, &Download{File: f})
		p.TotalTransferBytes += f.TransferSize
	}

	local := make(map[string]string, len(idx.Files))
	for _, rel := range idx.Files {
		local[paths.Key(rel)] = rel
	}

	deletions := make(map[string]string)
	for _, b := range entry.Blacklist {
		key := paths.Key(b)
		if _, wanted := serverPaths[key]; wanted {
			logger.Warn("blacklisted file is also in the manifest, keeping it", zap.String("path", b))
			continue
		}
		if rel, ok := local[key]; ok {
			logger.Debug("blacklisted file marked for deletion", zap.String("path", rel))
			deletions[key] = rel
		}
	}
	for key, rel := range local {
		if _, wanted := serverPaths[key]; !wanted {
			deletions[key] = rel
		}
	}
	for _, rel := range deletions {
		p.Deletions = append(p.Deletions, rel)
	}

	sort.Slice(p.Downloads, func(i, j int) bool { return less(p.Downloads[i].File.Path, p.Downloads[j].File.Path) })
	sort.Slice(p.Clones, func(i, j int) bool { return less(p.Clones[i].Target.Path, p.Clones[j].Target.Path) })
	sort.Slice(p.Deletions, func(i, j int) bool { return less(p.Deletions[i], p.Deletions[j]) })

	if p.IndexFallback && len(p.Deletions) > 0 {
		logger.Warn("deletions were computed from a full directory walk",
			zap.Int("deletions", len(p.Deletions)))
	}
	return p
}

// Satisfies reports whether a local record already holds the content of f:
// its content digest or its stored digest equals the file's digest, or its
// stored digest equals the transfer digest.
func Satisfies(rec *index.Record, f *manifest.File) bool {
	if rec.Matches(f.Hash) {
		return true
	}
	return rec.CompressedContentHash != "" && rec.CompressedContentHash == f.TransferHash
}

func findSource(idx *index.Index, f *manifest.File) *index.Record {
	for _, rec := range idx.Records() {
		if Satisfies(rec, f) {
			return rec
		}
	}
	return nil
}

func less(a, b string) bool {
	ka, kb := paths.Key(a), paths.Key(b)
	if ka != kb {
		return ka < kb
	}
	return a < b
}
