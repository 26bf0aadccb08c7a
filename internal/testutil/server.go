package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/distantorigin/mod-updater/internal/manifest"
)

// ManifestPath is where UpdateServer answers update checks
const ManifestPath = "/mods/updatecheck"

// StoragePath prefixes every transfer payload UpdateServer serves
const StoragePath = "/storage"

// ServerFile is the content the server publishes for one relative path
type ServerFile struct {
	Content   []byte
	Timestamp int64
}

// UpdateServer is a mock update service: it answers manifest requests and
// serves .lzma payloads, recording every payload GET.
type UpdateServer struct {
	*httptest.Server

	mu       sync.Mutex
	response manifest.Response
	payloads map[string][]byte
	gets     map[string]int
	failures map[string]int
	hangs    map[string]bool
	requests []manifest.Request
	hung     chan struct{}
	release  chan struct{}
}

// NewUpdateServer starts an empty update service
func NewUpdateServer(t testing.TB) *UpdateServer {
	t.Helper()

	s := &UpdateServer{
		payloads: make(map[string][]byte),
		gets:     make(map[string]int),
		failures: make(map[string]int),
		hangs:    make(map[string]bool),
		hung:     make(chan struct{}, 64),
		release:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ManifestPath, s.serveManifest)
	mux.HandleFunc(StoragePath+"/", s.servePayload)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(s.release)
		s.Server.Close()
	})
	return s
}

// ManifestURL is the endpoint to configure the manifest client with
func (s *UpdateServer) ManifestURL() string {
	return s.URL + ManifestPath
}

// StorageRoot is the base URL of every payload
func (s *UpdateServer) StorageRoot() string {
	return s.URL + StoragePath
}

// AddMod publishes a classic mod: every file is compressed and described in the manifest.
func (s *UpdateServer) AddMod(t testing.TB, updateCode int, version, folder string, files map[string]ServerFile, blacklist ...string) *manifest.ModEntry {
	t.Helper()

	entry := &manifest.ModEntry{
		UpdateCode: updateCode,
		Version:    version,
		Folder:     folder,
		Changelog:  "Update " + version,
		Blacklist:  blacklist,
	}

	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range rels {
		f := files[rel]
		payload := CompressLZMA(t, f.Content)
		entry.Files = append(entry.Files, &manifest.File{
			Path:         rel,
			Hash:         MD5Hex(f.Content),
			Size:         int64(len(f.Content)),
			TransferHash: MD5Hex(payload),
			TransferSize: int64(len(payload)),
			Timestamp:    f.Timestamp,
		})
		s.payloads[payloadKey(folder, rel)] = payload
	}
	s.response.Mods = append(s.response.Mods, entry)
	return entry
}

// EditMod changes a published classic entry in place, e.g. to declare a wrong digest
func (s *UpdateServer) EditMod(updateCode int, edit func(*manifest.ModEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.response.Mod(updateCode); ok {
		edit(entry)
	}
}

// AddModMaker publishes a ModMaker version notice
func (s *UpdateServer) AddModMaker(entry *manifest.ModMakerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.ModMaker = append(s.response.ModMaker, entry)
}

// AddNexus publishes a catalog version notice
func (s *UpdateServer) AddNexus(entry *manifest.NexusEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.Nexus = append(s.response.Nexus, entry)
}

// SetPayload replaces the bytes served for a file without touching the manifest
func (s *UpdateServer) SetPayload(folder, rel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[payloadKey(folder, rel)] = payload
}

// FailPath makes every GET of a file's payload answer with status
func (s *UpdateServer) FailPath(folder, rel string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[payloadKey(folder, rel)] = status
}

// HangPath makes GETs of a file's payload block until the client gives up or the server closes
func (s *UpdateServer) HangPath(folder, rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangs[payloadKey(folder, rel)] = true
}

// Hung is signaled each time a request starts hanging
func (s *UpdateServer) Hung() <-chan struct{} {
	return s.hung
}

// GetCount returns how many times a file's payload was fetched
func (s *UpdateServer) GetCount(folder, rel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[payloadKey(folder, rel)]
}

// TotalGets returns the number of payload fetches across all files
func (s *UpdateServer) TotalGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.gets {
		total += n
	}
	return total
}

// Requests returns every update check body received
func (s *UpdateServer) Requests() []manifest.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]manifest.Request(nil), s.requests...)
}

func (s *UpdateServer) serveManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req manifest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var buf bytes.Buffer
	err := manifest.Encode(&buf, &s.response)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(buf.Bytes())
}

func (s *UpdateServer) servePayload(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, StoragePath+"/")

	s.mu.Lock()
	if r.Method == http.MethodGet {
		s.gets[key]++
	}
	payload, ok := s.payloads[key]
	status := s.failures[key]
	hang := s.hangs[key]
	s.mu.Unlock()

	if hang {
		select {
		case s.hung <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, key, time.Time{}, bytes.NewReader(payload))
}

func payloadKey(folder, rel string) string {
	return folder + "/" + strings.ReplaceAll(rel, "\\", "/") + manifest.TransferSuffix
}
