// Package manifest holds the update service's data contract: the batched
// check request, the per-mod file manifest it answers with, and the client
// that fetches it.
package manifest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransferSuffix is appended to a file's relative path to locate its compressed payload.
const TransferSuffix = ".lzma"

// File describes one file of a mod as the server wants it
type File struct {
	// Normalized forward-slash path relative to the mod root
	Path string
	// MD5 of the decompressed content
	Hash string
	Size int64
	// MD5 of the compressed transfer payload
	TransferHash string
	TransferSize int64
	// Last-write time in ticks, 0 when the server sets none
	Timestamp int64
}

// ModTime returns the timestamp to restore on the written file.
func (f *File) ModTime() (time.Time, bool) {
	if f.Timestamp == 0 {
		return time.Time{}, false
	}
	return TimeFromTicks(f.Timestamp), true
}

// ModEntry is a classic (delta-updatable) mod in a manifest response
type ModEntry struct {
	UpdateCode int
	Version    string
	Changelog  string
	// Server folder holding the mod's transfer payloads
	Folder    string
	Files     []*File
	Blacklist []string
}

// ModMakerEntry is a version notice for a ModMaker mod
type ModMakerEntry struct {
	ID          int
	Version     string
	PublishDate time.Time
	Changelog   string
}

// NexusEntry is a version notice for a mod tracked on the third-party catalog
type NexusEntry struct {
	ID        int
	Game      int
	Version   string
	Updated   time.Time
	Changelog string
}

// Response is a parsed manifest for every mod in one batched request
type Response struct {
	Mods     []*ModEntry
	ModMaker []*ModMakerEntry
	Nexus    []*NexusEntry
	// Entries left out because they failed validation
	Rejected []*EntryError
}

// Update schemes an EntryError can belong to
const (
	SchemeClassic  = "classic"
	SchemeModMaker = "modmaker"
)

// EntryError is one manifest entry that failed validation. The rest of the
// response is still usable.
type EntryError struct {
	Scheme string
	ID     int
	Err    error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("invalid manifest entry for %s mod %d: %v", e.Scheme, e.ID, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Rejection returns why the entry of a mod was left out, if it was.
func (r *Response) Rejection(scheme string, id int) (*EntryError, bool) {
	for _, e := range r.Rejected {
		if e.Scheme == scheme && e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// Mod returns the classic entry with the given update code.
func (r *Response) Mod(updateCode int) (*ModEntry, bool) {
	for _, m := range r.Mods {
		if m.UpdateCode == updateCode {
			return m, true
		}
	}
	return nil, false
}

// TransferURL resolves the payload URL of rel inside a mod's server folder.
func TransferURL(storageRoot, folder, rel string) string {
	segments := strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(storageRoot, "/") + "/" + url.PathEscape(folder) + "/" +
		strings.Join(segments, "/") + TransferSuffix
}

// ticksAtUnixEpoch is 1970-01-01T00:00:00Z in 100ns ticks since 0001-01-01.
const ticksAtUnixEpoch int64 = 621355968000000000

// TimeFromTicks converts a tick count (100ns since 0001-01-01 UTC) to a time.
func TimeFromTicks(ticks int64) time.Time {
	d := ticks - ticksAtUnixEpoch
	return time.Unix(d/1e7, (d%1e7)*100).UTC()
}

// TicksFromTime converts t to ticks.
func TicksFromTime(t time.Time) int64 {
	return t.Unix()*1e7 + int64(t.Nanosecond())/100 + ticksAtUnixEpoch
}
