package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distantorigin/mod-updater/internal/moddesc"
	"github.com/distantorigin/mod-updater/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	updateYes, updateDryRun, indexAll = false, false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(""))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckAndUpdate(t *testing.T) {
	srv := testutil.NewUpdateServer(t)
	desc := func(v string) string {
		return "[ModInfo]\nmodname = Galaxy\nmodver = " + v + "\n\n[UPDATES]\nupdatecode = 42\n\n[CUSTOMDLC]\nsourcedirs = DLC_MOD_Galaxy\n"
	}

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		moddesc.FileName:              desc("1.0"),
		"DLC_MOD_Galaxy/Foo.pcc":      "foo v1",
		"DLC_MOD_Galaxy/Obsolete.pcc": "old",
	})
	srv.AddMod(t, 42, "1.1", "galaxy", map[string]testutil.ServerFile{
		moddesc.FileName:         {Content: []byte(desc("1.1"))},
		"DLC_MOD_Galaxy/Foo.pcc": {Content: []byte("foo v2")},
	})

	common := []string{
		"--manifest-url", srv.ManifestURL(),
		"--storage-root", srv.StorageRoot(),
		"--staging-dir", t.TempDir(),
		"--log-level", "error",
	}

	out, err := execute(t, append([]string{"check", root}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "1 update(s) available")
	assert.Contains(t, out, "Galaxy  1.0 -> 1.1")
	assert.Contains(t, out, "[2 download, 0 copy, 1 delete")
	assert.Zero(t, srv.TotalGets())

	// Deleting Obsolete.pcc needs confirmation, and there is no one to answer
	out, err = execute(t, append([]string{"update", root}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "deletes 1 file(s)")
	assert.Contains(t, out, "Skipped Galaxy")
	testutil.AssertFileContent(t, root+"/DLC_MOD_Galaxy/Foo.pcc", "foo v1")
	assert.Zero(t, srv.TotalGets())

	out, err = execute(t, append([]string{"update", "--yes", root}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Galaxy updated to 1.1")

	testutil.AssertFileContent(t, root+"/DLC_MOD_Galaxy/Foo.pcc", "foo v2")
	testutil.AssertFileNotExists(t, root+"/DLC_MOD_Galaxy/Obsolete.pcc")

	out, err = execute(t, append([]string{"check", root}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "All mods are up to date.")
}

func TestModsWithoutUpdateInformation(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		moddesc.FileName: "[ModInfo]\nmodname = Local Tweaks\nmodver = 1.0\n",
	})

	_, err := execute(t, "check", root, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the given mods can be checked for updates")
}

func TestIndexAll(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		moddesc.FileName:         "[ModInfo]\nmodname = Galaxy\nmodver = 1.0\n\n[CUSTOMDLC]\nsourcedirs = DLC_MOD_Galaxy\n",
		"DLC_MOD_Galaxy/Foo.pcc": "foo",
		"Notes/readme.txt":       "not part of the mod",
	})

	out, err := execute(t, "index", root, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 3 files indexed")
	assert.NotContains(t, out, "Notes/readme.txt")

	out, err = execute(t, "index", "--all", root, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Notes/readme.txt")
	assert.Contains(t, out, "3 of 3 files indexed")
}

func TestNoModsGiven(t *testing.T) {
	_, err := execute(t, "check", "--log-level", "error")
	assert.Error(t, err)
}
