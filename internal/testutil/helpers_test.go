package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"

	"github.com/distantorigin/mod-updater/internal/manifest"
)

func TestCompressLZMA(t *testing.T) {
	data := bytes.Repeat([]byte("mod content "), 100)
	payload := CompressLZMA(t, data)

	r, err := lzma.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSnapshotTree(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	snap := SnapshotTree(t, root)
	assert.Equal(t, map[string]string{
		"a.txt":     MD5Hex([]byte("a")),
		"sub/b.txt": MD5Hex([]byte("b")),
	}, snap)
}

func TestUpdateServer(t *testing.T) {
	s := NewUpdateServer(t)
	entry := s.AddMod(t, 42, "1.1", "galaxy", map[string]ServerFile{
		"Cooked/Foo.pcc": {Content: []byte("foo")},
	}, "Old.pcc")
	require.Len(t, entry.Files, 1)

	client := manifest.NewClient(manifest.ClientOptions{Endpoint: s.ManifestURL()})
	resp, err := client.Fetch(context.Background(), &manifest.Request{Classic: []int{42}})
	require.NoError(t, err)
	require.Len(t, resp.Mods, 1)
	assert.Equal(t, entry.Files, resp.Mods[0].Files)
	assert.Equal(t, []string{"Old.pcc"}, resp.Mods[0].Blacklist)
	assert.Equal(t, []int{42}, s.Requests()[0].Classic)

	res, err := http.Get(manifest.TransferURL(s.StorageRoot(), "galaxy", "Cooked/Foo.pcc"))
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, entry.Files[0].TransferHash, MD5Hex(body))
	assert.Equal(t, 1, s.GetCount("galaxy", "Cooked/Foo.pcc"))

	s.FailPath("galaxy", "Cooked/Foo.pcc", http.StatusInternalServerError)
	res, err = http.Get(manifest.TransferURL(s.StorageRoot(), "galaxy", "Cooked/Foo.pcc"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, 2, s.TotalGets())
}
