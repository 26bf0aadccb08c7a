// Package moddesc loads mod metadata from moddesc.ini and resolves the set
// of files a mod references relative to its root.
package moddesc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/distantorigin/mod-updater/internal/paths"
	"github.com/distantorigin/mod-updater/internal/version"
)

// FileName is the descriptor every mod root carries.
const FileName = "moddesc.ini"

const (
	sectionModInfo   = "ModInfo"
	sectionUpdates   = "UPDATES"
	sectionCustomDLC = "CUSTOMDLC"
)

// ErrNoDescriptor is returned when a directory has no moddesc.ini.
var ErrNoDescriptor = errors.New("mod has no " + FileName)

// Mod is an installed mod as described by its moddesc.ini
type Mod struct {
	Name    string
	Version string
	Game    string
	Root    string

	ClassicUpdateCode int
	ModMakerID        int
	NexusCode         int
	NexusUpdateCheck  bool

	jobs              []job
	customDLCDirs     []string
	additionalFiles   []string
	additionalFolders []string
}

type job struct {
	header string
	dir    string
	files  []string
}

// Load reads root/moddesc.ini.
func Load(root string) (*Mod, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mod root: %w", err)
	}
	descPath := filepath.Join(root, FileName)
	if _, err := os.Stat(descPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", root, ErrNoDescriptor)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", descPath, err)
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		IgnoreInlineComment:     true,
		IgnoreContinuation:      true,
		SkipUnrecognizableLines: true,
	}, descPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", descPath, err)
	}

	info := cfg.Section(sectionModInfo)
	updates := cfg.Section(sectionUpdates)

	m := &Mod{
		Name:             strings.TrimSpace(info.Key("modname").String()),
		Version:          version.Normalize(info.Key("modver").String()),
		Game:             strings.TrimSpace(info.Key("game").String()),
		Root:             root,
		ModMakerID:       info.Key("modid").MustInt(0),
		NexusCode:        info.Key("nexuscode").MustInt(0),
		NexusUpdateCheck: updates.Key("nexusupdatecheck").MustBool(true),
	}
	if m.Name == "" {
		m.Name = filepath.Base(root)
	}

	m.ClassicUpdateCode = updates.Key("updatecode").MustInt(0)
	if m.ClassicUpdateCode == 0 {
		// older descriptors keep the code under ModInfo
		m.ClassicUpdateCode = info.Key("updatecode").MustInt(0)
	}

	for _, sec := range cfg.Sections() {
		if !sec.HasKey("moddir") {
			continue
		}
		j := job{
			header: sec.Name(),
			dir:    strings.TrimLeft(paths.Normalize(sec.Key("moddir").String()), "/"),
			files:  splitList(sec.Key("newfiles").String()),
		}
		m.jobs = append(m.jobs, j)
	}

	m.customDLCDirs = splitList(cfg.Section(sectionCustomDLC).Key("sourcedirs").String())
	m.additionalFiles = splitList(updates.Key("additionaldeploymentfiles").String())
	m.additionalFolders = splitList(updates.Key("additionaldeploymentfolders").String())

	return m, nil
}

// LoadAll loads every mod directory directly under library. Directories
// without a descriptor are skipped; other failures are returned alongside
// the mods that did load.
func LoadAll(library string) ([]*Mod, error) {
	entries, err := os.ReadDir(library)
	if err != nil {
		return nil, fmt.Errorf("failed to read mod library %s: %w", library, err)
	}

	var mods []*Mod
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := Load(filepath.Join(library, entry.Name()))
		if errors.Is(err, ErrNoDescriptor) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mods = append(mods, m)
	}
	return mods, errors.Join(errs...)
}

// HasUpdateIdentity reports whether the mod can be checked for updates at all.
func (m *Mod) HasUpdateIdentity() bool {
	return m.ClassicUpdateCode > 0 || m.ModMakerID > 0 || (m.NexusCode > 0 && m.NexusUpdateCheck)
}

// References returns every file the mod references, normalized relative to
// Root, de-duplicated case-insensitively and sorted. moddesc.ini is always
// included. An error means the reference list cannot be trusted, either
// because a path escapes the root or because a referenced file or directory is missing.
func (m *Mod) References() ([]string, error) {
	seen := make(map[string]struct{})
	var refs []string
	add := func(rel string) error {
		n, err := paths.Relative(rel)
		if err != nil {
			return err
		}
		key := paths.Key(n)
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}
		refs = append(refs, n)
		return nil
	}
	addFile := func(rel string) error {
		full, err := paths.Join(m.Root, rel)
		if err != nil {
			return err
		}
		actual, _ := paths.FindActual(full)
		info, err := os.Stat(actual)
		if err != nil {
			return fmt.Errorf("referenced file %s: %w", rel, err)
		}
		if info.IsDir() {
			return fmt.Errorf("referenced file %s is a directory", rel)
		}
		if actualRel, err := filepath.Rel(m.Root, actual); err == nil {
			rel = actualRel
		}
		return add(rel)
	}
	addDir := func(rel string) error {
		full, err := paths.Join(m.Root, rel)
		if err != nil {
			return err
		}
		files, err := paths.ListFiles(full)
		if err != nil {
			return fmt.Errorf("referenced directory %s: %w", rel, err)
		}
		for _, f := range files {
			if err := add(paths.Normalize(rel) + "/" + f); err != nil {
				return err
			}
		}
		return nil
	}

	if err := addFile(FileName); err != nil {
		return nil, err
	}
	for _, j := range m.jobs {
		for _, f := range j.files {
			rel := f
			if j.dir != "." && j.dir != "" {
				rel = j.dir + "/" + f
			}
			if err := addFile(rel); err != nil {
				return nil, fmt.Errorf("job %s: %w", j.header, err)
			}
		}
	}
	for _, d := range m.customDLCDirs {
		if err := addDir(d); err != nil {
			return nil, fmt.Errorf("custom DLC: %w", err)
		}
	}
	for _, f := range m.additionalFiles {
		if err := addFile(f); err != nil {
			return nil, err
		}
	}
	for _, d := range m.additionalFolders {
		if err := addDir(d); err != nil {
			return nil, err
		}
	}

	sort.Slice(refs, func(i, j int) bool { return paths.Key(refs[i]) < paths.Key(refs[j]) })
	return refs, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
