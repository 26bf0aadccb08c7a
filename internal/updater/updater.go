// Package updater wires the indexing, planning, download, staging and apply
// stages into an update service for installed mods.
package updater

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/apply"
	"github.com/distantorigin/mod-updater/internal/config"
	"github.com/distantorigin/mod-updater/internal/container"
	"github.com/distantorigin/mod-updater/internal/download"
	"github.com/distantorigin/mod-updater/internal/index"
	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/plan"
	"github.com/distantorigin/mod-updater/internal/stage"
	"github.com/distantorigin/mod-updater/internal/syncerr"
	"github.com/distantorigin/mod-updater/internal/version"
)

// ErrClosed is returned by a service after Close
var ErrClosed = errors.New("update service is closed")

// Kind is the update scheme a mod is tracked under
type Kind int

const (
	// Classic mods carry a file manifest and are updated in place
	Classic Kind = iota
	// ModMaker mods are only notified; they are rebuilt by ModMaker
	ModMaker
	// Nexus mods are only notified; they are downloaded from the catalog
	Nexus
)

func (k Kind) String() string {
	switch k {
	case Classic:
		return "classic"
	case ModMaker:
		return "modmaker"
	case Nexus:
		return "nexus"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ModUpdate is an available update for one installed mod
type ModUpdate struct {
	Mod           *moddesc.Mod
	Kind          Kind
	LocalVersion  string
	ServerVersion string
	Changelog     string
	// Entry and Plan are set for Classic updates only
	Entry *manifest.ModEntry
	Plan  *plan.Plan
}

// Applicable reports whether Update can apply u.
func (u *ModUpdate) Applicable() bool {
	return u.Kind == Classic && u.Plan != nil
}

// Options configures an UpdateService
type Options struct {
	ManifestURL      string
	StorageRoot      string
	StagingDir       string
	Concurrency      int
	HashCacheSize    int
	ProgressInterval time.Duration
	RequestTimeout   time.Duration
	ManifestRetries  int
	UserAgent        string
	// HTTPClient is used for manifest and payload requests when set
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// OptionsFromConfig maps loaded settings onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ManifestURL:      cfg.ManifestURL,
		StorageRoot:      cfg.StorageRoot,
		StagingDir:       cfg.StagingDir,
		Concurrency:      cfg.Concurrency,
		HashCacheSize:    cfg.HashCacheSize,
		ProgressInterval: cfg.ProgressInterval,
		RequestTimeout:   cfg.RequestTimeout,
		ManifestRetries:  cfg.Retries(),
		UserAgent:        cfg.UserAgent,
	}
}

// UpdateService checks installed mods for updates and applies them. Each
// service owns its collaborators; independent services share no state.
type UpdateService struct {
	client     *manifest.Client
	codec      *container.Codec
	indexer    *index.Indexer
	downloader *download.Orchestrator
	stagingDir string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	closed bool
	// Checks and updates running right now
	active int
}

// NewUpdateService creates a service from opts.
func NewUpdateService(opts Options) (*UpdateService, error) {
	if opts.ManifestURL == "" {
		return nil, errors.New("manifest URL is required")
	}
	if opts.StorageRoot == "" {
		return nil, errors.New("storage root is required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("staging directory is required")
	}
	logger := logging.OrNop(opts.Logger)

	codec, err := container.New(container.DefaultOptions())
	if err != nil {
		return nil, err
	}
	indexer, err := index.NewIndexer(index.Options{
		Codec:     codec,
		CacheSize: opts.HashCacheSize,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		codec.Close()
		return nil, err
	}

	return &UpdateService{
		client: manifest.NewClient(manifest.ClientOptions{
			Endpoint:   opts.ManifestURL,
			Timeout:    opts.RequestTimeout,
			Retries:    opts.ManifestRetries,
			UserAgent:  opts.UserAgent,
			HTTPClient: opts.HTTPClient,
			Logger:     logger,
			Metrics:    opts.Metrics,
		}),
		codec:   codec,
		indexer: indexer,
		downloader: download.New(download.Options{
			StorageRoot:      opts.StorageRoot,
			Concurrency:      opts.Concurrency,
			ProgressInterval: opts.ProgressInterval,
			UserAgent:        opts.UserAgent,
			HTTPClient:       opts.HTTPClient,
			Logger:           logger,
			Metrics:          opts.Metrics,
		}),
		stagingDir: opts.StagingDir,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Close stops the service from accepting checks and updates. Calls already
// running are not interrupted: the decoders and digest cache are released
// when the last of them returns. Close may be called from an Observer.
func (s *UpdateService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active == 0 {
		s.release()
	} else {
		s.logger.Debug("closing after running operations finish", zap.Int("active", s.active))
	}
	return nil
}

// enter registers a running call; the returned func must be called when it ends.
func (s *UpdateService) enter() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.active++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.active--
		if s.closed && s.active == 0 {
			s.release()
		}
	}, nil
}

// release frees the shared collaborators. Called with mu held.
func (s *UpdateService) release() {
	s.indexer.Purge()
	s.codec.Close()
}

// CheckForUpdates asks the update service about every mod in one request
// and returns the mods with a newer server version. Classic updates come
// with a computed plan. With force, classic mods are planned even when the
// versions match or cannot be compared, and returned if anything differs.
// A mod whose manifest entry failed validation is skipped and the reason
// reported to obs. Errors are also reported to obs.
func (s *UpdateService) CheckForUpdates(ctx context.Context, mods []*moddesc.Mod, force bool, obs Observer) ([]*ModUpdate, error) {
	obs = orNop(obs)
	updates, err := s.checkForUpdates(ctx, mods, force, obs)
	if err != nil {
		obs.OnError(err)
		return nil, err
	}
	return updates, nil
}

func (s *UpdateService) checkForUpdates(ctx context.Context, mods []*moddesc.Mod, force bool, obs Observer) ([]*ModUpdate, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	req := manifest.BuildRequest(mods)
	if req.Empty() {
		s.logger.Info("no mods carry update information")
		return nil, nil
	}

	obs.OnStatus("Checking for mod updates")
	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	var updates []*ModUpdate
	for _, mod := range mods {
		if ctx.Err() != nil {
			return nil, syncerr.Canceled(ctx)
		}

		var u *ModUpdate
		switch {
		case mod.ModMakerID > 0:
			u = s.checkModMaker(mod, resp, force, obs)
		case mod.ClassicUpdateCode > 0:
			u, err = s.checkClassic(ctx, mod, resp, force, obs)
			if err != nil {
				return nil, err
			}
		case mod.NexusCode > 0 && mod.NexusUpdateCheck:
			u = s.checkNexus(mod, resp, force)
		}
		if u != nil {
			updates = append(updates, u)
		}
	}
	s.logger.Info("update check complete", zap.Int("mods", len(mods)), zap.Int("updates", len(updates)))
	return updates, nil
}

// newer compares versions; an unparsable version counts as not newer.
func (s *UpdateService) newer(mod *moddesc.Mod, server string) bool {
	ok, err := version.IsNewer(server, mod.Version)
	if err != nil {
		s.logger.Warn("cannot compare mod versions",
			zap.String("mod", mod.Name),
			zap.String("local", mod.Version),
			zap.String("server", server),
			zap.Error(err))
		return false
	}
	return ok
}

func (s *UpdateService) checkClassic(ctx context.Context, mod *moddesc.Mod, resp *manifest.Response, force bool, obs Observer) (*ModUpdate, error) {
	entry, ok := resp.Mod(mod.ClassicUpdateCode)
	if !ok {
		if rej, rejected := resp.Rejection(manifest.SchemeClassic, mod.ClassicUpdateCode); rejected {
			s.logger.Warn("update information for mod is invalid", zap.String("mod", mod.Name), zap.Error(rej))
			obs.OnError(rej)
			return nil, nil
		}
		s.logger.Debug("no update information for mod", zap.String("mod", mod.Name))
		return nil, nil
	}
	newer := s.newer(mod, entry.Version)
	if !newer && !force {
		return nil, nil
	}

	idx, err := s.indexer.Build(ctx, mod, obs.OnStatus)
	if err != nil {
		return nil, err
	}
	p := plan.Calculate(mod.Name, idx, entry, plan.Options{Logger: s.logger, Status: obs.OnStatus})
	s.metrics.Planned(len(p.Downloads), len(p.Clones), len(p.Deletions))

	if !newer && p.Empty() {
		return nil, nil
	}
	s.logger.Info("mod update available",
		zap.String("mod", mod.Name),
		zap.String("local", mod.Version),
		zap.String("server", entry.Version),
		zap.Int("downloads", len(p.Downloads)),
		zap.Int("clones", len(p.Clones)),
		zap.Int("deletions", len(p.Deletions)),
		zap.Int64("bytes", p.TotalTransferBytes))

	return &ModUpdate{
		Mod:           mod,
		Kind:          Classic,
		LocalVersion:  mod.Version,
		ServerVersion: entry.Version,
		Changelog:     entry.Changelog,
		Entry:         entry,
		Plan:          p,
	}, nil
}

func (s *UpdateService) checkModMaker(mod *moddesc.Mod, resp *manifest.Response, force bool, obs Observer) *ModUpdate {
	if rej, rejected := resp.Rejection(manifest.SchemeModMaker, mod.ModMakerID); rejected {
		s.logger.Warn("update information for mod is invalid", zap.String("mod", mod.Name), zap.Error(rej))
		obs.OnError(rej)
		return nil
	}
	for _, e := range resp.ModMaker {
		if e.ID != mod.ModMakerID {
			continue
		}
		if !force && !s.newer(mod, e.Version) {
			return nil
		}
		return &ModUpdate{Mod: mod, Kind: ModMaker, LocalVersion: mod.Version, ServerVersion: e.Version, Changelog: e.Changelog}
	}
	return nil
}

func (s *UpdateService) checkNexus(mod *moddesc.Mod, resp *manifest.Response, force bool) *ModUpdate {
	game := manifest.GameNumber(mod.Game)
	for _, e := range resp.Nexus {
		if e.ID != mod.NexusCode || e.Game != game {
			continue
		}
		if !force && !s.newer(mod, e.Version) {
			return nil
		}
		return &ModUpdate{Mod: mod, Kind: Nexus, LocalVersion: mod.Version, ServerVersion: e.Version, Changelog: e.Changelog}
	}
	return nil
}

// Update applies u: clones are staged, payloads downloaded and verified,
// and the staged tree committed to the mod directory. Any failure before
// the commit leaves the mod directory untouched; the staging directory is
// always removed. Errors are also reported to obs.
func (s *UpdateService) Update(ctx context.Context, u *ModUpdate, obs Observer) (*apply.Result, error) {
	obs = orNop(obs)
	res, err := s.update(ctx, u, obs)
	if err != nil {
		if syncerr.IsFatal(err) {
			s.logger.Error("update aborted", zap.String("mod", u.Mod.Name), zap.Error(err))
		} else {
			s.logger.Warn("update failed", zap.String("mod", u.Mod.Name), zap.Error(err))
		}
		obs.OnError(err)
		return nil, err
	}
	return res, nil
}

func (s *UpdateService) update(ctx context.Context, u *ModUpdate, obs Observer) (*apply.Result, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	if !u.Applicable() {
		return nil, fmt.Errorf("%s is a %s mod and cannot be updated in place", u.Mod.Name, u.Kind)
	}
	p := u.Plan
	if p.Aborted() {
		return nil, fmt.Errorf("update plan for %s was aborted; check for updates again", p.Mod)
	}

	st, err := stage.New(s.stagingDir, s.logger.With(zap.String("mod", p.Mod)))
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("mod", p.Mod), zap.String("attempt", st.ID()))

	applied := false
	defer func() {
		if applied {
			return
		}
		p.Abort()
		if err := st.Discard(); err != nil {
			logger.Warn("failed to discard staging directory", zap.Error(err))
		}
	}()

	if len(p.Clones) > 0 {
		obs.OnStatus(fmt.Sprintf("Preparing update for %s", p.Mod))
		if err := st.StageClones(p.Root, p.Clones); err != nil {
			return nil, err
		}
	}
	if len(p.Downloads) > 0 {
		obs.OnStatus(fmt.Sprintf("Downloading update for %s", p.Mod))
		if err := s.downloader.Run(ctx, p, st, obs.OnProgress); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, syncerr.Canceled(ctx)
	}

	applier := apply.New(apply.Options{Logger: s.logger, Metrics: s.metrics, Status: obs.OnStatus})
	res, err := applier.Apply(p, st)
	if err != nil {
		return nil, err
	}
	applied = true

	obs.OnStatus(fmt.Sprintf("%s updated to %s", p.Mod, u.ServerVersion))
	logger.Info("mod updated", zap.String("version", u.ServerVersion))
	return res, nil
}
