// Package index builds a content-hash index of the files a mod has installed.
package index

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/container"
	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/paths"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

// DefaultCacheSize is the number of file digests remembered between checks.
const DefaultCacheSize = 4096

// Record is the indexed state of one local file
type Record struct {
	Path string
	// Digest of the logical (decompressed) content
	ContentHash string
	// Digest of the on-disk bytes; set only for compressed container files
	CompressedContentHash string
	Size                  int64
}

// Matches reports whether either digest of r equals hash.
func (r *Record) Matches(hash string) bool {
	if hash == "" {
		return false
	}
	return r.ContentHash == hash || (r.CompressedContentHash != "" && r.CompressedContentHash == hash)
}

// Index is the hash-keyed view of a mod tree at the time it was built
type Index struct {
	Root string
	// Files is every regular file under Root, whether indexed or not
	Files []string
	// Fallback is set when the mod's references could not be resolved and
	// every file under Root was indexed instead
	Fallback bool

	records []*Record
	byPath  map[string]*Record
}

func newIndex(root string) *Index {
	return &Index{Root: root, byPath: make(map[string]*Record)}
}

func (ix *Index) add(r *Record) {
	ix.records = append(ix.records, r)
	ix.byPath[paths.Key(r.Path)] = r
}

// Lookup finds the record at a relative path, ignoring case and separator style.
func (ix *Index) Lookup(rel string) (*Record, bool) {
	r, ok := ix.byPath[paths.Key(rel)]
	return r, ok
}

// Records returns the indexed records sorted by path.
func (ix *Index) Records() []*Record {
	return ix.records
}

// Len returns the number of indexed files.
func (ix *Index) Len() int {
	return len(ix.records)
}

type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Options configures an Indexer
type Options struct {
	Codec     *container.Codec
	CacheSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Indexer hashes mod trees, remembering digests of unchanged files across builds
type Indexer struct {
	codec   *container.Codec
	cache   *lru.Cache[cacheKey, Record]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewIndexer creates an Indexer. A nil Codec indexes every file as plain content.
func NewIndexer(opts Options) (*Indexer, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Record](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create digest cache: %w", err)
	}
	return &Indexer{
		codec:   opts.Codec,
		cache:   cache,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}, nil
}

// Build indexes the files mod references. If the references cannot be
// resolved, every file under the mod root is indexed and the result is
// flagged as Fallback. status receives "Indexing <mod> for updates (NN%)".
func (i *Indexer) Build(ctx context.Context, mod *moddesc.Mod, status func(string)) (*Index, error) {
	files, err := i.walk(mod.Name, mod.Root)
	if err != nil {
		return nil, err
	}

	fallback := false
	refs, err := mod.References()
	if err != nil {
		i.logger.Warn("mod references could not be resolved, indexing every file",
			zap.String("mod", mod.Name), zap.Error(err))
		i.metrics.IndexFallback()
		refs = files
		fallback = true
	}

	ix, err := i.build(ctx, mod.Name, mod.Root, refs, status)
	if err != nil {
		return nil, err
	}
	ix.Files = files
	ix.Fallback = fallback
	return ix, nil
}

// BuildTree indexes every file under root.
func (i *Indexer) BuildTree(ctx context.Context, name, root string, status func(string)) (*Index, error) {
	files, err := i.walk(name, root)
	if err != nil {
		return nil, err
	}
	ix, err := i.build(ctx, name, root, files, status)
	if err != nil {
		return nil, err
	}
	ix.Files = files
	return ix, nil
}

// walk lists the files under root, leaving out directories it cannot read.
func (i *Indexer) walk(name, root string) ([]string, error) {
	files, err := paths.WalkFiles(root, func(rel string, err error) {
		i.logger.Warn("skipping unreadable entry",
			zap.String("mod", name), zap.String("path", rel), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", name, err)
	}
	return files, nil
}

func (i *Indexer) build(ctx context.Context, name, root string, refs []string, status func(string)) (*Index, error) {
	sorted := append([]string(nil), refs...)
	sort.Slice(sorted, func(a, b int) bool { return paths.Key(sorted[a]) < paths.Key(sorted[b]) })

	ix := newIndex(root)
	total := len(sorted)
	for n, rel := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, syncerr.Canceled(ctx)
		}
		if status != nil {
			status(fmt.Sprintf("Indexing %s for updates (%d%%)", name, n*100/total))
		}

		rec, err := i.indexFile(root, rel)
		if err != nil {
			i.logger.Warn("skipping unreadable file",
				zap.String("mod", name), zap.String("path", rel), zap.Error(err))
			continue
		}
		ix.add(rec)
	}
	return ix, nil
}

func (i *Indexer) indexFile(root, rel string) (*Record, error) {
	full, err := paths.Join(root, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", rel)
	}

	key := cacheKey{path: full, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if cached, ok := i.cache.Get(key); ok {
		i.metrics.FileIndexed(true)
		cached.Path = paths.Normalize(rel)
		return &cached, nil
	}

	rec := Record{Path: paths.Normalize(rel), Size: info.Size()}
	if i.codec != nil && i.codec.IsContainer(full) {
		err = i.hashContainer(full, &rec)
	} else {
		rec.ContentHash, err = HashFile(full)
	}
	if err != nil {
		return nil, err
	}

	i.cache.Add(key, rec)
	i.metrics.FileIndexed(false)
	return &rec, nil
}

func (i *Indexer) hashContainer(full string, rec *Record) error {
	raw, err := os.ReadFile(full)
	if err != nil {
		return err
	}
	content, compressed, err := i.codec.Decompress(raw)
	if err != nil {
		return err
	}
	rec.ContentHash = HashBytes(content)
	if compressed {
		rec.CompressedContentHash = HashBytes(raw)
		rec.Size = int64(len(content))
	}
	return nil
}

// Purge drops every remembered digest.
func (i *Indexer) Purge() {
	i.cache.Purge()
}

// HashFile returns the hex MD5 of a file's bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex MD5 of b.
func HashBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
