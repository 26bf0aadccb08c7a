// Package publish prepares a mod for upload to the update service: every
// file is compressed into a .lzma transfer payload and described in a
// manifest entry.
package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/ulikunitz/xz/lzma"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/paths"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

// ExcludesFile lists patterns, one per line, of mod files that are never published
const ExcludesFile = ".modupdater-excludes"

// ManifestFile is written next to the payloads
const ManifestFile = "manifest.xml"

// DefaultConcurrency is the number of files compressed at once
const DefaultConcurrency = 4

// Options configures a Publisher
type Options struct {
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Target describes where and how a mod is published
type Target struct {
	// Output directory; payloads land at Dir/<relative path>.lzma
	Dir string
	// Server folder the payloads are uploaded to
	Folder    string
	Changelog string
	// Paths the server should delete from installs
	Blacklist []string
}

// ProgressCallback is called after each file with the number of files done
type ProgressCallback func(done, total int)

// Publisher compresses mods for upload
type Publisher struct {
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates a Publisher
func New(opts Options) *Publisher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Publisher{
		concurrency: opts.Concurrency,
		logger:      logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
	}
}

// Publish compresses every file mod references into t.Dir and writes a
// manifest response describing them to t.Dir/manifest.xml. Files matching the
// patterns in the mod's .modupdater-excludes are skipped.
func (p *Publisher) Publish(ctx context.Context, mod *moddesc.Mod, t Target, progress ProgressCallback) (*manifest.ModEntry, error) {
	if mod.ClassicUpdateCode == 0 {
		return nil, fmt.Errorf("mod %s has no update code", mod.Name)
	}
	if t.Folder == "" {
		return nil, fmt.Errorf("no server folder for %s", mod.Name)
	}

	refs, err := mod.References()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve files of %s: %w", mod.Name, err)
	}
	excludes := paths.LoadExcludes(filepath.Join(mod.Root, ExcludesFile))
	paths.AddExclude(excludes, ExcludesFile)

	var rels []string
	for _, rel := range refs {
		if paths.MatchesExclusion(rel, excludes) {
			p.logger.Debug("excluded from publish", zap.String("path", rel))
			continue
		}
		rels = append(rels, rel)
	}

	logger := p.logger.With(zap.String("mod", mod.Name))
	logger.Info("publishing mod", zap.Int("files", len(rels)), zap.String("out", t.Dir))

	files := make([]*manifest.File, len(rels))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, rel := range rels {
		i, rel := i, rel
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return syncerr.Canceled(gctx)
			}
			f, err := compressFile(mod.Root, t.Dir, rel)
			if err != nil {
				return err
			}
			files[i] = f
			n := int(done.Add(1))
			logger.Debug("compressed file", zap.String("path", rel),
				zap.Int64("bytes", f.Size), zap.Int64("compressed", f.TransferSize))
			if progress != nil {
				progress(n, len(rels))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Canceled(ctx)
	}

	sort.Slice(files, func(i, j int) bool { return paths.Key(files[i].Path) < paths.Key(files[j].Path) })
	entry := &manifest.ModEntry{
		UpdateCode: mod.ClassicUpdateCode,
		Version:    mod.Version,
		Changelog:  t.Changelog,
		Folder:     t.Folder,
		Files:      files,
		Blacklist:  t.Blacklist,
	}

	out, err := os.Create(filepath.Join(t.Dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := manifest.Encode(out, &manifest.Response{Mods: []*manifest.ModEntry{entry}}); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	p.metrics.Published(len(files))
	logger.Info("mod published", zap.Int("files", len(files)))
	return entry, nil
}

// compressFile writes root/rel as outDir/rel.lzma and describes both forms.
func compressFile(root, outDir, rel string) (*manifest.File, error) {
	src, err := paths.Join(root, rel)
	if err != nil {
		return nil, err
	}
	dst, err := paths.Join(outDir, rel)
	if err != nil {
		return nil, err
	}
	dst += manifest.TransferSuffix

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload for %s: %w", rel, err)
	}
	defer out.Close()

	contentHash := md5.New()
	transferHash := md5.New()
	counter := &countingWriter{w: io.MultiWriter(out, transferHash)}

	zw, err := lzma.WriterConfig{SizeInHeader: true, Size: info.Size()}.NewWriter(counter)
	if err != nil {
		return nil, fmt.Errorf("failed to create lzma writer for %s: %w", rel, err)
	}
	n, err := io.Copy(zw, io.TeeReader(in, contentHash))
	if err != nil {
		return nil, fmt.Errorf("failed to compress %s: %w", rel, err)
	}
	if n != info.Size() {
		return nil, fmt.Errorf("%s changed size while compressing", rel)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish payload for %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to write payload for %s: %w", rel, err)
	}

	return &manifest.File{
		Path:         rel,
		Hash:         hex.EncodeToString(contentHash.Sum(nil)),
		Size:         n,
		TransferHash: hex.EncodeToString(transferHash.Sum(nil)),
		TransferSize: counter.n,
		Timestamp:    manifest.TicksFromTime(info.ModTime()),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
