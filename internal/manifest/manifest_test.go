package manifest

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distantorigin/mod-updater/internal/moddesc"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<mods>
  <mod updatecode="42" version="1.2" changelog="Fixed stuff" folder="expandedgalaxy">
    <sourcefile hash="0CC175B9C0F1B6A831C399E269772661" size="1" lzmahash="aaa" lzmasize="14" timestamp="637134336000000000">DLC_MOD_Galaxy\CookedPCConsole\Startup.pcc</sourcefile>
    <sourcefile hash="92eb5ffee6ae2fec3ad71c777531578f" size="1" lzmahash="bbb" lzmasize="15">moddesc.ini</sourcefile>
    <blacklistedfile>DLC_MOD_Galaxy\Obsolete.pcc</blacklistedfile>
  </mod>
  <modmakermod id="900" version="3" publishdate="2021-05-04" changelog="mm"/>
  <nexusmod id="77" game="3" version="2.1" updated_timestamp="1600000000"/>
</mods>`

func TestParse(t *testing.T) {
	resp, err := Parse(strings.NewReader(sampleXML))
	require.NoError(t, err)

	require.Len(t, resp.Mods, 1)
	mod, ok := resp.Mod(42)
	require.True(t, ok)
	assert.Equal(t, "1.2", mod.Version)
	assert.Equal(t, "Fixed stuff", mod.Changelog)
	assert.Equal(t, "expandedgalaxy", mod.Folder)
	require.Len(t, mod.Files, 2)

	f := mod.Files[0]
	assert.Equal(t, "DLC_MOD_Galaxy/CookedPCConsole/Startup.pcc", f.Path)
	assert.Equal(t, "0cc175b9c0f1b6a831c399e269772661", f.Hash, "digests are lowercased")
	assert.Equal(t, int64(1), f.Size)
	assert.Equal(t, "aaa", f.TransferHash)
	assert.Equal(t, int64(14), f.TransferSize)
	mt, ok := f.ModTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), mt)

	_, ok = mod.Files[1].ModTime()
	assert.False(t, ok)
	assert.Equal(t, []string{"DLC_MOD_Galaxy/Obsolete.pcc"}, mod.Blacklist)

	require.Len(t, resp.ModMaker, 1)
	assert.Equal(t, 900, resp.ModMaker[0].ID)
	assert.Equal(t, time.Date(2021, 5, 4, 0, 0, 0, 0, time.UTC), resp.ModMaker[0].PublishDate)

	require.Len(t, resp.Nexus, 1)
	assert.Equal(t, 3, resp.Nexus[0].Game)
	assert.Equal(t, int64(1600000000), resp.Nexus[0].Updated.Unix())

	_, ok = resp.Mod(1)
	assert.False(t, ok)
}

func TestParseRejectsEntries(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		scheme string
	}{
		{
			name:   "traversal",
			body:   `<mod updatecode="1" version="1" folder="f"><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">..\..\evil.dll</sourcefile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "absolute path",
			body:   `<mod updatecode="1" version="1" folder="f"><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">/etc/passwd</sourcefile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "drive letter",
			body:   `<mod updatecode="1" version="1" folder="f"><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">C:\Windows\x.dll</sourcefile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "duplicate ignoring case",
			body:   `<mod updatecode="1" version="1" folder="f"><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">A.pcc</sourcefile><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">a.PCC</sourcefile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "missing digest",
			body:   `<mod updatecode="1" version="1" folder="f"><sourcefile size="1" lzmahash="b" lzmasize="1">A.pcc</sourcefile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "missing folder",
			body:   `<mod updatecode="1" version="1"></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "blacklist traversal",
			body:   `<mod updatecode="1" version="1" folder="f"><blacklistedfile>../x</blacklistedfile></mod>`,
			scheme: SchemeClassic,
		},
		{
			name:   "bad publish date",
			body:   `<modmakermod id="1" version="1" publishdate="yesterday"/>`,
			scheme: SchemeModMaker,
		},
	}

	// A valid entry of another mod is kept next to each bad one
	const good = `<mod updatecode="7" version="2" folder="ok"><sourcefile hash="a" size="1" lzmahash="b" lzmasize="1">A.pcc</sourcefile></mod>`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Parse(strings.NewReader("<mods>" + tt.body + good + "</mods>"))
			require.NoError(t, err)

			require.Len(t, resp.Rejected, 1)
			assert.Equal(t, tt.scheme, resp.Rejected[0].Scheme)
			assert.Equal(t, 1, resp.Rejected[0].ID)
			rej, ok := resp.Rejection(tt.scheme, 1)
			assert.True(t, ok)
			assert.Same(t, resp.Rejected[0], rej)

			_, ok = resp.Mod(1)
			assert.False(t, ok)
			kept, ok := resp.Mod(7)
			require.True(t, ok)
			assert.Equal(t, "ok", kept.Folder)
			assert.Empty(t, resp.ModMaker)
		})
	}
}

func TestParseRejectsDocument(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "malformed xml",
			body: `<mods><mod`,
		},
		{
			name: "not numeric size",
			body: `<mods><mod updatecode="1" version="1" folder="f"><sourcefile hash="a" size="big" lzmahash="b" lzmasize="1">A.pcc</sourcefile></mod></mods>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	want := &Response{
		Mods: []*ModEntry{{
			UpdateCode: 7,
			Version:    "2.0",
			Folder:     "mymod",
			Changelog:  "Rebalanced <everything> & more",
			Files: []*File{
				{Path: "Cooked/Foo.pcc", Hash: "h1", Size: 10, TransferHash: "t1", TransferSize: 5, Timestamp: 637134336000000000},
			},
			Blacklist: []string{"Cooked/Old.pcc"},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, want))
	assert.Contains(t, buf.String(), `Cooked\Foo.pcc`)

	got, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, want.Mods, got.Mods)
}

func TestTransferURL(t *testing.T) {
	tests := []struct {
		root, folder, rel, want string
	}{
		{"https://cdn.example.com/mods/", "galaxy", `Cooked\Foo.pcc`, "https://cdn.example.com/mods/galaxy/Cooked/Foo.pcc.lzma"},
		{"https://cdn.example.com/mods", "galaxy", "moddesc.ini", "https://cdn.example.com/mods/galaxy/moddesc.ini.lzma"},
		{"http://h", "my mod", "Sub Dir/a#b.txt", "http://h/my%20mod/Sub%20Dir/a%23b.txt.lzma"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransferURL(tt.root, tt.folder, tt.rel))
	}
}

func TestTicks(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	assert.Equal(t, ticksAtUnixEpoch, TicksFromTime(epoch))
	assert.Equal(t, epoch, TimeFromTicks(ticksAtUnixEpoch))

	ts := time.Date(2023, 6, 15, 12, 30, 45, 123456700, time.UTC)
	assert.Equal(t, ts, TimeFromTicks(TicksFromTime(ts)))
	assert.Equal(t, int64(637134336000000000), TicksFromTime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestBuildRequest(t *testing.T) {
	mods := []*moddesc.Mod{
		{Name: "modmaker wins", ModMakerID: 900, ClassicUpdateCode: 5},
		{Name: "classic", ClassicUpdateCode: 42, NexusCode: 10, NexusUpdateCheck: true, Game: "ME3"},
		{Name: "classic duplicate", ClassicUpdateCode: 42},
		{Name: "nexus", NexusCode: 11, NexusUpdateCheck: true, Game: "ME3"},
		{Name: "nexus other game", NexusCode: 11, NexusUpdateCheck: true, Game: "LE1"},
		{Name: "nexus opted out", NexusCode: 12, NexusUpdateCheck: false, Game: "ME3"},
		{Name: "nexus unknown game", NexusCode: 13, NexusUpdateCheck: true, Game: "Skyrim"},
		{Name: "nothing"},
	}

	req := BuildRequest(mods)
	assert.Equal(t, []int{42}, req.Classic)
	assert.Equal(t, []int{900}, req.ModMaker)
	assert.Equal(t, map[string][]int{"3": {11}, "4": {11}}, req.Nexus)
	assert.False(t, req.Empty())

	assert.True(t, BuildRequest(nil).Empty())
}
