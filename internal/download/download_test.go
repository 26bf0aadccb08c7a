package download

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/distantorigin/mod-updater/internal/manifest"
	"github.com/distantorigin/mod-updater/internal/plan"
	"github.com/distantorigin/mod-updater/internal/stage"
	"github.com/distantorigin/mod-updater/internal/syncerr"
	"github.com/distantorigin/mod-updater/internal/testutil"
)

const folder = "galaxy"

func newPlan(entry *manifest.ModEntry) *plan.Plan {
	p := &plan.Plan{Mod: "Galaxy", Entry: entry}
	for _, f := range entry.Files {
		p.Downloads = append(p.Downloads, &plan.Download{File: f})
		p.TotalTransferBytes += f.TransferSize
	}
	return p
}

func setup(t *testing.T, files map[string]testutil.ServerFile) (*testutil.UpdateServer, *plan.Plan, *stage.Stager, *Orchestrator) {
	t.Helper()
	srv := testutil.NewUpdateServer(t)
	entry := srv.AddMod(t, 1, "2.0", folder, files)

	st, err := stage.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	o := New(Options{
		StorageRoot:      srv.StorageRoot(),
		Concurrency:      2,
		ProgressInterval: 10 * time.Millisecond,
		Logger:           zaptest.NewLogger(t),
	})
	return srv, newPlan(entry), st, o
}

func TestRunStagesVerifiedFiles(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("new foo content"), Timestamp: 637134336000000000},
		"Cooked/Bar.pcc": {Content: []byte("bar")},
		"Readme.txt":     {Content: []byte("")},
	})

	var mu sync.Mutex
	var calls [][2]int64
	err := o.Run(context.Background(), p, st, func(done, total int64) {
		mu.Lock()
		calls = append(calls, [2]int64{done, total})
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, d := range p.Downloads {
		assert.Equal(t, plan.Verified, d.State(), d.File.Path)
		assert.Equal(t, d.File.TransferSize, d.Received(), d.File.Path)
		assert.Equal(t, 1, srv.GetCount(folder, d.File.Path))
	}
	assert.False(t, p.Aborted())

	entries := st.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Cooked/Bar.pcc", entries[0].Rel)
	testutil.AssertFileContent(t, entries[0].Path, "bar")
	testutil.AssertFileContent(t, entries[1].Path, "new foo content")

	info, err := os.Stat(entries[1].Path)
	require.NoError(t, err)
	want := manifest.TimeFromTicks(637134336000000000)
	assert.True(t, info.ModTime().Equal(want), "timestamp not restored: %v", info.ModTime())

	// Transfer payloads are removed once expanded
	transfer, err := st.TransferPath("Cooked/Foo.pcc")
	require.NoError(t, err)
	testutil.AssertFileNotExists(t, transfer)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, p.TotalTransferBytes, last[0])
	assert.Equal(t, p.TotalTransferBytes, last[1])
}

func TestRunNothingToDownload(t *testing.T) {
	st, err := stage.New(t.TempDir(), nil)
	require.NoError(t, err)
	o := New(Options{})

	err = o.Run(context.Background(), newPlan(&manifest.ModEntry{}), st, nil)
	assert.NoError(t, err)
	assert.Empty(t, st.Entries())
}

func TestRunCorruptPayload(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("expected content")},
	})
	srv.SetPayload(folder, "Cooked/Foo.pcc", testutil.CompressLZMA(t, []byte("something else")))

	err := o.Run(context.Background(), p, st, nil)
	require.Error(t, err)

	var integrity *syncerr.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncerr.CheckTransferHash, integrity.Check)
	assert.Equal(t, "Cooked/Foo.pcc", integrity.Path)
	assert.True(t, p.Aborted())
	assert.Equal(t, plan.Failed, p.Downloads[0].State())
	assert.Empty(t, st.Entries())
}

func TestRunContentMismatch(t *testing.T) {
	_, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("expected content")},
	})
	// Transfer digest matches, decompressed digest does not
	p.Downloads[0].File.Hash = testutil.MD5Hex([]byte("another file"))

	err := o.Run(context.Background(), p, st, nil)

	var integrity *syncerr.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncerr.CheckContentHash, integrity.Check)
	assert.True(t, p.Aborted())
}

func TestRunSizeMismatch(t *testing.T) {
	_, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("expected content")},
	})
	p.Downloads[0].File.Size = 4

	err := o.Run(context.Background(), p, st, nil)

	var integrity *syncerr.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncerr.CheckContentSize, integrity.Check)
	assert.Equal(t, "4", integrity.Expected)
	assert.Equal(t, "5", integrity.Actual)
}

func TestRunUndecodablePayload(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("expected content")},
	})
	garbage := []byte("this is not an lzma stream")
	srv.SetPayload(folder, "Cooked/Foo.pcc", garbage)
	p.Downloads[0].File.TransferHash = testutil.MD5Hex(garbage)

	err := o.Run(context.Background(), p, st, nil)

	var integrity *syncerr.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncerr.CheckContentDecode, integrity.Check)
	assert.Equal(t, "Cooked/Foo.pcc", integrity.Path)
	assert.True(t, syncerr.IsFatal(err))
	assert.True(t, p.Aborted())
	assert.Empty(t, st.Entries())
}

func TestRunTruncatedPayload(t *testing.T) {
	content := []byte(strings.Repeat("the payload is cut short on the server; ", 200))
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: content},
	})
	full := testutil.CompressLZMA(t, content)
	truncated := full[:len(full)-10]
	srv.SetPayload(folder, "Cooked/Foo.pcc", truncated)
	// The server published the digest of what it actually serves
	p.Downloads[0].File.TransferHash = testutil.MD5Hex(truncated)

	err := o.Run(context.Background(), p, st, nil)

	var integrity *syncerr.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncerr.CheckContentDecode, integrity.Check)
	assert.True(t, syncerr.IsFatal(err))
	assert.Contains(t, syncerr.Message(err), "Cooked/Foo.pcc")
	assert.True(t, p.Aborted())
	assert.Empty(t, st.Entries())
}

func TestRunHTTPError(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("foo")},
	})
	srv.FailPath(folder, "Cooked/Foo.pcc", http.StatusNotFound)

	err := o.Run(context.Background(), p, st, nil)

	var transfer *syncerr.TransferError
	require.ErrorAs(t, err, &transfer)
	assert.Equal(t, "Cooked/Foo.pcc", transfer.Path)
	assert.Contains(t, transfer.URL, "/storage/galaxy/Cooked/Foo.pcc.lzma")
	assert.True(t, syncerr.IsFatal(err))
}

func TestRunFailureCancelsSiblings(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"A.pcc": {Content: []byte("a")},
		"B.pcc": {Content: []byte("b")},
	})
	srv.HangPath(folder, "A.pcc")
	srv.FailPath(folder, "B.pcc", http.StatusInternalServerError)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), p, st, nil) }()

	select {
	case err := <-done:
		var transfer *syncerr.TransferError
		require.ErrorAs(t, err, &transfer)
		assert.Equal(t, "B.pcc", transfer.Path)
	case <-time.After(10 * time.Second):
		t.Fatal("hung transfer was not canceled after a sibling failed")
	}
	assert.True(t, p.Aborted())
	assert.Empty(t, st.Entries())
}

func TestRunCanceled(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"A.pcc": {Content: []byte("a")},
	})
	srv.HangPath(folder, "A.pcc")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, p, st, nil) }()

	select {
	case <-srv.Hung():
	case <-time.After(10 * time.Second):
		t.Fatal("transfer never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, syncerr.ErrCanceled), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, p.Aborted())
	assert.Equal(t, plan.Failed, p.Downloads[0].State())
}

func TestRunAbortedPlan(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"A.pcc": {Content: []byte("a")},
	})
	p.Abort()

	err := o.Run(context.Background(), p, st, nil)
	assert.Error(t, err)
	assert.Zero(t, srv.TotalGets())
}

func TestRunRetryAfterFailure(t *testing.T) {
	srv, p, st, o := setup(t, map[string]testutil.ServerFile{
		"A.pcc": {Content: []byte("a")},
	})
	srv.FailPath(folder, "A.pcc", http.StatusServiceUnavailable)
	require.Error(t, o.Run(context.Background(), p, st, nil))

	// A new attempt uses a fresh plan
	retry := newPlan(p.Entry)
	srv.FailPath(folder, "A.pcc", 0)
	require.NoError(t, o.Run(context.Background(), retry, st, nil))
	assert.Equal(t, plan.Verified, retry.Downloads[0].State())
	assert.Equal(t, 2, srv.GetCount(folder, "A.pcc"))
}
