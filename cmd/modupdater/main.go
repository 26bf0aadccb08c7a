// Command modupdater checks installed mods for updates and applies them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/distantorigin/mod-updater/internal/config"
	"github.com/distantorigin/mod-updater/internal/logging"
	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/syncerr"
)

var (
	flagCfg     config.Config
	flagLibrary string
	flagJSONLog bool

	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	stats    *metrics.Metrics
	stopHTTP func()
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "modupdater",
	Short: "Keep installed mods in sync with the update service",
	Long: `modupdater compares installed mods with the manifests published on the
update service and downloads only what changed. Files that were renamed or
moved are copied locally instead of downloaded again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopHTTP != nil {
			stopHTTP()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagCfg.ManifestURL, "manifest-url", "", "update check endpoint (env MODUPDATER_MANIFEST_URL)")
	f.StringVar(&flagCfg.StorageRoot, "storage-root", "", "base URL of transfer payloads (env MODUPDATER_STORAGE_ROOT)")
	f.StringVar(&flagCfg.StagingDir, "staging-dir", "", "parent directory for staging updates (env MODUPDATER_STAGING_DIR)")
	f.IntVarP(&flagCfg.Concurrency, "concurrency", "j", 0, "parallel downloads (env MODUPDATER_CONCURRENCY)")
	f.StringVar(&flagCfg.LogLevel, "log-level", "", "debug, info, warn or error (env MODUPDATER_LOG_LEVEL)")
	f.StringVar(&flagCfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (env MODUPDATER_METRICS_ADDR)")
	f.DurationVar(&flagCfg.RequestTimeout, "timeout", 0, "update check timeout (env MODUPDATER_REQUEST_TIMEOUT)")
	f.StringVarP(&flagLibrary, "library", "l", "", "directory holding one mod per subdirectory")
	f.BoolVar(&flagJSONLog, "json-log", false, "write structured JSON logs")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(&flagCfg)
	if err != nil {
		return err
	}

	if flagJSONLog {
		logger, err = logging.NewLogger(cfg.LogLevel)
	} else {
		logger, err = logging.NewConsoleLogger(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	registry = prometheus.NewRegistry()
	stats = metrics.New(registry)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(registry)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		stopHTTP = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}
	return nil
}

// loadMods resolves the mods named by args and --library.
func loadMods(args []string) ([]*moddesc.Mod, error) {
	var mods []*moddesc.Mod
	var errs []error
	if flagLibrary != "" {
		loaded, err := moddesc.LoadAll(flagLibrary)
		mods = append(mods, loaded...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, dir := range args {
		m, err := moddesc.Load(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mods = append(mods, m)
	}
	if len(mods) == 0 && len(errs) == 0 {
		return nil, errors.New("no mods given; pass mod directories or --library")
	}
	for _, err := range errs {
		logger.Warn("skipping mod", zap.Error(err))
	}

	checkable := mods[:0]
	for _, m := range mods {
		if !m.HasUpdateIdentity() {
			logger.Info("mod has no update information, skipping", zap.String("mod", m.Name))
			continue
		}
		checkable = append(checkable, m)
	}
	if len(checkable) == 0 {
		errs = append(errs, errors.New("none of the given mods can be checked for updates"))
		return nil, errors.Join(errs...)
	}
	return checkable, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), syncerr.Message(err))
		stop()
		os.Exit(1)
	}
}
