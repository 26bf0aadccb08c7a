package moddesc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

const sampleDesc = `[ModManager]
cmmver = 6.0

[ModInfo]
game = ME3
modname = Expanded Galaxy
modver = 2
modid = 0
nexuscode = 1234
updatecode = 11

[UPDATES]
updatecode = 42
additionaldeploymentfiles = readme.txt

[BASEGAME]
moddir = BASEGAME
newfiles = Startup.pcc;Engine.pcc;
replacefiles = BIOGame\CookedPCConsole\Startup.pcc;BIOGame\CookedPCConsole\Engine.pcc

[BALANCE_CHANGES]
moddir = .
newfiles = ServerCoalesced.bin

[CUSTOMDLC]
sourcedirs = DLC_MOD_Galaxy
destdirs = DLC_MOD_Galaxy
`

func sampleMod(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, FileName, sampleDesc)
	writeFile(t, root, "BASEGAME/Startup.pcc", "startup")
	writeFile(t, root, "BASEGAME/Engine.pcc", "engine")
	writeFile(t, root, "ServerCoalesced.bin", "coalesced")
	writeFile(t, root, "readme.txt", "hi")
	writeFile(t, root, "DLC_MOD_Galaxy/CookedPCConsole/Default.sfm", "dlc")
	writeFile(t, root, "DLC_MOD_Galaxy/Movies/intro.bik", "movie")
	writeFile(t, root, "Unreferenced/stray.txt", "stray")
	return root
}

func TestLoad(t *testing.T) {
	root := sampleMod(t)

	m, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "Expanded Galaxy", m.Name)
	assert.Equal(t, "2.0", m.Version)
	assert.Equal(t, "ME3", m.Game)
	assert.Equal(t, 42, m.ClassicUpdateCode, "UPDATES section takes precedence")
	assert.Equal(t, 0, m.ModMakerID)
	assert.Equal(t, 1234, m.NexusCode)
	assert.True(t, m.NexusUpdateCheck)
	assert.True(t, m.HasUpdateIdentity())
}

func TestLoadLegacyUpdateCode(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, FileName, "[ModInfo]\nmodname = Old\nmodver = 1.1\nupdatecode = 7\n")

	m, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 7, m.ClassicUpdateCode)
	assert.Equal(t, "1.1", m.Version)
}

func TestLoadMissingDescriptor(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorIs(t, err, ErrNoDescriptor)
}

func TestLoadNameDefaultsToDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "MyMod")
	writeFile(t, root, FileName, "[ModInfo]\nmodver = 1.0\n")

	m, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "MyMod", m.Name)
	assert.False(t, m.HasUpdateIdentity())
}

func TestReferences(t *testing.T) {
	root := sampleMod(t)
	m, err := Load(root)
	require.NoError(t, err)

	refs, err := m.References()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"BASEGAME/Engine.pcc",
		"BASEGAME/Startup.pcc",
		"DLC_MOD_Galaxy/CookedPCConsole/Default.sfm",
		"DLC_MOD_Galaxy/Movies/intro.bik",
		"moddesc.ini",
		"readme.txt",
		"ServerCoalesced.bin",
	}, refs)
	assert.NotContains(t, refs, "Unreferenced/stray.txt")
}

func TestReferencesMissingFile(t *testing.T) {
	root := sampleMod(t)
	require.NoError(t, os.Remove(filepath.Join(root, "BASEGAME", "Engine.pcc")))

	m, err := Load(root)
	require.NoError(t, err)

	_, err = m.References()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Engine.pcc")
}

func TestReferencesRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, FileName, "[BASEGAME]\nmoddir = ..\nnewfiles = secret.txt\n")

	m, err := Load(root)
	require.NoError(t, err)

	_, err = m.References()
	require.Error(t, err)
}

func TestLoadAll(t *testing.T) {
	library := t.TempDir()
	writeFile(t, library, "A/"+FileName, "[ModInfo]\nmodname = A\nmodver = 1.0\n")
	writeFile(t, library, "B/"+FileName, "[ModInfo]\nmodname = B\nmodver = 2.0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(library, "NotAMod"), 0755))
	writeFile(t, library, "loose.txt", "x")

	mods, err := LoadAll(library)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "A", mods[0].Name)
	assert.Equal(t, "B", mods[1].Name)
}
