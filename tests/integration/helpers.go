// Package integration exercises the whole update engine against a mock
// update service.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/distantorigin/mod-updater/internal/metrics"
	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/testutil"
	"github.com/distantorigin/mod-updater/internal/updater"
)

// UpdateCode is the classic update code of the test mod
const UpdateCode = 42

// Folder is the server folder of the test mod's payloads
const Folder = "galaxy"

// TestEnvironment is an installed mod, a mock update service and an update service wired to it
type TestEnvironment struct {
	T          *testing.T
	ModRoot    string
	StagingDir string
	Server     *testutil.UpdateServer
	Service    *updater.UpdateService
	Registry   *prometheus.Registry
	Observer   *Observer
}

// Descriptor returns a moddesc.ini for the test mod at version
func Descriptor(version string) string {
	return "[ModManager]\ncmmver = 7.0\n\n[ModInfo]\ngame = LE1\nmodname = Galaxy\nmodver = " + version +
		"\n\n[UPDATES]\nupdatecode = 42\n\n[CUSTOMDLC]\nsourcedirs = DLC_MOD_Galaxy\ndestdirs = DLC_MOD_Galaxy\n"
}

// SetupTestEnvironment installs local as the mod's files
func SetupTestEnvironment(t *testing.T, local map[string]string) *TestEnvironment {
	t.Helper()

	modRoot := t.TempDir()
	testutil.WriteTree(t, modRoot, local)

	srv := testutil.NewUpdateServer(t)
	staging := t.TempDir()
	reg := prometheus.NewRegistry()

	svc, err := updater.NewUpdateService(updater.Options{
		ManifestURL:      srv.ManifestURL(),
		StorageRoot:      srv.StorageRoot(),
		StagingDir:       staging,
		Concurrency:      4,
		ProgressInterval: 5 * time.Millisecond,
		Logger:           zaptest.NewLogger(t),
		Metrics:          metrics.New(reg),
	})
	if err != nil {
		t.Fatalf("failed to create update service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &TestEnvironment{
		T:          t,
		ModRoot:    modRoot,
		StagingDir: staging,
		Server:     srv,
		Service:    svc,
		Registry:   reg,
		Observer:   &Observer{},
	}
}

// Mod loads the installed mod's descriptor
func (e *TestEnvironment) Mod() *moddesc.Mod {
	e.T.Helper()
	mod, err := moddesc.Load(e.ModRoot)
	if err != nil {
		e.T.Fatalf("failed to load mod: %v", err)
	}
	return mod
}

// Check runs an update check for the installed mod and expects exactly one update
func (e *TestEnvironment) Check(ctx context.Context) *updater.ModUpdate {
	e.T.Helper()
	updates, err := e.Service.CheckForUpdates(ctx, []*moddesc.Mod{e.Mod()}, false, e.Observer)
	if err != nil {
		e.T.Fatalf("CheckForUpdates() error = %v", err)
	}
	if len(updates) != 1 {
		e.T.Fatalf("CheckForUpdates() returned %d updates, want 1", len(updates))
	}
	return updates[0]
}

// Snapshot maps every installed file to its MD5
func (e *TestEnvironment) Snapshot() map[string]string {
	e.T.Helper()
	return testutil.SnapshotTree(e.T, e.ModRoot)
}

// Path returns the absolute path of an installed file
func (e *TestEnvironment) Path(rel string) string {
	return filepath.Join(e.ModRoot, filepath.FromSlash(rel))
}

// AssertStagingEmpty fails if any update attempt left files behind
func (e *TestEnvironment) AssertStagingEmpty() {
	e.T.Helper()
	entries, err := os.ReadDir(e.StagingDir)
	if err != nil {
		e.T.Fatalf("failed to read staging directory: %v", err)
	}
	if len(entries) != 0 {
		e.T.Errorf("staging directory not cleaned up: %d entries left", len(entries))
	}
}

// MetricValue returns the value of a counter or gauge sample whose label
// name has value; 0 if there is none
func (e *TestEnvironment) MetricValue(metric, name, value string) float64 {
	e.T.Helper()
	families, err := e.Registry.Gather()
	if err != nil {
		e.T.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != metric {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == name && l.GetValue() == value {
					if c := m.GetCounter(); c != nil {
						return c.GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

// ServerFiles converts path -> content into published files
func ServerFiles(files map[string]string) map[string]testutil.ServerFile {
	out := make(map[string]testutil.ServerFile, len(files))
	for rel, content := range files {
		out[rel] = testutil.ServerFile{Content: []byte(content)}
	}
	return out
}

// Hashes maps path -> content to path -> MD5, the shape of a snapshot
func Hashes(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for rel, content := range files {
		out[rel] = testutil.MD5Hex([]byte(content))
	}
	return out
}

// Observer records notifications from the update service
type Observer struct {
	mu       sync.Mutex
	Progress [][2]int64
	Statuses []string
	Errors   []error
}

func (o *Observer) OnProgress(done, total int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Progress = append(o.Progress, [2]int64{done, total})
}

func (o *Observer) OnStatus(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Statuses = append(o.Statuses, message)
}

func (o *Observer) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Errors = append(o.Errors, err)
}

// ErrorCount returns how many errors were reported
func (o *Observer) ErrorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Errors)
}
