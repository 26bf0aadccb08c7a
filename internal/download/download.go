// Package download fetches, verifies and expands the transfer payloads of an
// update plan with bounded parallelism.
package download

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/ulikunitz/xz/lzma"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/distantorigin/mod-updater/internal/index"
	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/plan"
	"github.com/distantorigin/mod-updater/internal/stage"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

const (
	// DefaultConcurrency is the number of payloads fetched at once
	DefaultConcurrency = 4
	// DefaultProgressInterval throttles progress callbacks
	DefaultProgressInterval = 250 * time.Millisecond

	// pollInterval is how often a transfer's byte counter is refreshed
	pollInterval = 50 * time.Millisecond
)

// ProgressCallback is called during downloads with the bytes received so far
type ProgressCallback func(bytesDone, bytesTotal int64)

// Options configures an Orchestrator
type Options struct {
	// Base URL of the transfer payloads
	StorageRoot      string
	Concurrency      int
	ProgressInterval time.Duration
	UserAgent        string
	// HTTPClient overrides the transport (useful for testing)
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Orchestrator runs the download set of a plan
type Orchestrator struct {
	client      *grab.Client
	storageRoot string
	concurrency int
	interval    time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	client := grab.NewClient()
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	if opts.UserAgent != "" {
		client.UserAgent = opts.UserAgent
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Orchestrator{
		client:      client,
		storageRoot: opts.StorageRoot,
		concurrency: opts.Concurrency,
		interval:    opts.ProgressInterval,
		logger:      logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
	}
}

// Run downloads every file in p.Downloads into st. The first failure
// cancels all other transfers, marks the plan aborted and is returned;
// a canceled ctx does the same and yields an error matching
// syncerr.ErrCanceled. The live mod tree is never touched.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan, st *stage.Stager, progress ProgressCallback) error {
	if p.Aborted() {
		return fmt.Errorf("plan for %s was already aborted", p.Mod)
	}
	if len(p.Downloads) == 0 {
		return nil
	}
	for _, d := range p.Downloads {
		d.Reset()
	}

	logger := o.logger.With(zap.String("mod", p.Mod), zap.String("attempt", st.ID()))
	logger.Info("downloading update",
		zap.Int("files", len(p.Downloads)),
		zap.Int64("bytes", p.TotalTransferBytes))

	stop := o.reportProgress(p, progress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, d := range p.Downloads {
		d := d
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return o.fetch(gctx, logger, p, st, d)
		})
	}
	err := g.Wait()
	stop()

	if err == nil && ctx.Err() != nil {
		err = syncerr.Canceled(ctx)
	}
	if err != nil {
		p.Abort()
		logger.Warn("update download aborted", zap.Error(err))
		return err
	}
	logger.Info("all payloads verified", zap.Int64("bytes", p.BytesTransferred()))
	return nil
}

// reportProgress calls progress at the configured cadence until the returned func is called,
// which also delivers a final update.
func (o *Orchestrator) reportProgress(p *plan.Plan, progress ProgressCallback) func() {
	if progress == nil {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		last := int64(-1)
		for {
			select {
			case <-ticker.C:
				if n := p.BytesTransferred(); n != last {
					progress(n, p.TotalTransferBytes)
					last = n
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
		progress(p.BytesTransferred(), p.TotalTransferBytes)
	}
}

func (o *Orchestrator) fetch(ctx context.Context, logger *zap.Logger, p *plan.Plan, st *stage.Stager, d *plan.Download) error {
	if ctx.Err() != nil {
		return syncerr.Canceled(ctx)
	}

	f := d.File
	url := manifest.TransferURL(o.storageRoot, p.Entry.Folder, f.Path)
	transferPath, err := st.TransferPath(f.Path)
	if err != nil {
		d.SetState(plan.Failed)
		return err
	}

	d.SetState(plan.InFlight)
	o.metrics.DownloadStarted()
	start := time.Now()

	err = o.transfer(ctx, d, url, transferPath)
	if err == nil {
		err = o.expand(ctx, st, f, transferPath)
	}
	o.metrics.DownloadFinished(d.Received(), time.Since(start), err)

	if err != nil {
		d.SetState(plan.Failed)
		logger.Debug("download failed", zap.String("path", f.Path), zap.String("url", url), zap.Error(err))
		return err
	}
	d.SetState(plan.Verified)
	logger.Debug("payload verified", zap.String("path", f.Path), zap.Int64("bytes", d.Received()))
	return nil
}

// transfer downloads url to dst, mirroring progress into d.
func (o *Orchestrator) transfer(ctx context.Context, d *plan.Download, url, dst string) error {
	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return &syncerr.TransferError{Path: d.File.Path, URL: url, Err: err}
	}
	req.NoResume = true // Always overwrite, never resume
	req = req.WithContext(ctx)

	resp := o.client.Do(req)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			d.SetReceived(resp.BytesComplete())
		case <-resp.Done:
			break loop
		}
	}
	d.SetReceived(resp.BytesComplete())

	if err := resp.Err(); err != nil {
		if ctx.Err() != nil {
			return syncerr.Canceled(ctx)
		}
		return &syncerr.TransferError{Path: d.File.Path, URL: url, Err: err}
	}
	return nil
}

// expand verifies the payload at transferPath and decompresses it into the staging tree.
func (o *Orchestrator) expand(ctx context.Context, st *stage.Stager, f *manifest.File, transferPath string) error {
	got, err := index.HashFile(transferPath)
	if err != nil {
		return &syncerr.ApplyIOError{Path: transferPath, Op: "hash", Err: err}
	}
	if got != f.TransferHash {
		return &syncerr.IntegrityError{Path: f.Path, Check: syncerr.CheckTransferHash, Expected: f.TransferHash, Actual: got}
	}

	in, err := os.Open(transferPath)
	if err != nil {
		return &syncerr.ApplyIOError{Path: transferPath, Op: "open", Err: err}
	}
	defer in.Close()

	dst, err := st.FilePath(f.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &syncerr.ApplyIOError{Path: dst, Op: "create directory for", Err: err}
	}
	out, err := os.Create(dst)
	if err != nil {
		return &syncerr.ApplyIOError{Path: dst, Op: "create", Err: err}
	}

	h := md5.New()
	n, err := decompress(ctx, io.MultiWriter(out, h), in, f)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return syncerr.Canceled(ctx)
		}
		var integrity *syncerr.IntegrityError
		if errors.As(err, &integrity) {
			return err
		}
		return &syncerr.ApplyIOError{Path: dst, Op: "write", Err: err}
	}

	if n != f.Size {
		return &syncerr.IntegrityError{Path: f.Path, Check: syncerr.CheckContentSize,
			Expected: strconv.FormatInt(f.Size, 10), Actual: strconv.FormatInt(n, 10)}
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != f.Hash {
		return &syncerr.IntegrityError{Path: f.Path, Check: syncerr.CheckContentHash, Expected: f.Hash, Actual: sum}
	}

	in.Close()
	if err := os.Remove(transferPath); err != nil {
		o.logger.Debug("failed to remove transfer payload", zap.String("path", transferPath), zap.Error(err))
	}
	return st.Add(f)
}

// decompress writes the content of f's .lzma stream to w. At most f.Size+1
// bytes are produced so an oversized payload is caught without expanding all
// of it. A stream that cannot be decoded is an IntegrityError; write failures
// are returned as they are.
func decompress(ctx context.Context, w io.Writer, r io.Reader, f *manifest.File) (int64, error) {
	zr, err := lzma.NewReader(bufio.NewReader(r))
	if err != nil {
		return 0, &syncerr.IntegrityError{Path: f.Path, Check: syncerr.CheckContentDecode,
			Err: fmt.Errorf("bad payload header: %w", err)}
	}
	src := &contextReader{ctx: ctx, r: io.LimitReader(zr, f.Size+1)}
	n, err := io.Copy(w, src)
	if err != nil && src.err != nil {
		return n, &syncerr.IntegrityError{Path: f.Path, Check: syncerr.CheckContentDecode, Err: src.err}
	}
	return n, err
}

// contextReader stops reading once ctx is done and remembers the first read error.
type contextReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}
