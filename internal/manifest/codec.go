package manifest

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/distantorigin/mod-updater/internal/paths"
)

const publishDateLayout = "2006-01-02"

type xmlRoot struct {
	XMLName  xml.Name      `xml:"mods"`
	Mods     []xmlMod      `xml:"mod"`
	ModMaker []xmlModMaker `xml:"modmakermod"`
	Nexus    []xmlNexus    `xml:"nexusmod"`
}

type xmlMod struct {
	XMLName    xml.Name        `xml:"mod"`
	UpdateCode int             `xml:"updatecode,attr"`
	Version    string          `xml:"version,attr"`
	Changelog  string          `xml:"changelog,attr,omitempty"`
	Folder     string          `xml:"folder,attr"`
	Files      []xmlSourceFile `xml:"sourcefile"`
	Blacklist  []string        `xml:"blacklistedfile"`
}

type xmlSourceFile struct {
	Hash      string `xml:"hash,attr"`
	Size      int64  `xml:"size,attr"`
	LZMAHash  string `xml:"lzmahash,attr"`
	LZMASize  int64  `xml:"lzmasize,attr"`
	Timestamp int64  `xml:"timestamp,attr,omitempty"`
	Path      string `xml:",chardata"`
}

type xmlModMaker struct {
	ID          int    `xml:"id,attr"`
	Version     string `xml:"version,attr"`
	PublishDate string `xml:"publishdate,attr,omitempty"`
	Changelog   string `xml:"changelog,attr,omitempty"`
}

type xmlNexus struct {
	ID               int    `xml:"id,attr"`
	Game             int    `xml:"game,attr"`
	Version          string `xml:"version,attr"`
	UpdatedTimestamp int64  `xml:"updated_timestamp,attr,omitempty"`
	Changelog        string `xml:"changelog,attr,omitempty"`
}

// Parse decodes a manifest response. A mod entry with a path that is
// absolute or escapes the mod root, a duplicate path, a file without a
// digest or no server folder is left out and recorded in Rejected, as is a
// ModMaker entry with a bad publish date. Only a document that cannot be
// decoded at all is an error.
func Parse(r io.Reader) (*Response, error) {
	var root struct {
		Mods     []xmlMod      `xml:"mod"`
		ModMaker []xmlModMaker `xml:"modmakermod"`
		Nexus    []xmlNexus    `xml:"nexusmod"`
	}
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	resp := &Response{}
	for _, m := range root.Mods {
		entry, err := decodeMod(m)
		if err != nil {
			resp.Rejected = append(resp.Rejected, &EntryError{Scheme: SchemeClassic, ID: m.UpdateCode, Err: err})
			continue
		}
		resp.Mods = append(resp.Mods, entry)
	}
	for _, m := range root.ModMaker {
		entry := &ModMakerEntry{ID: m.ID, Version: strings.TrimSpace(m.Version), Changelog: m.Changelog}
		if m.PublishDate != "" {
			d, err := time.Parse(publishDateLayout, m.PublishDate)
			if err != nil {
				resp.Rejected = append(resp.Rejected, &EntryError{Scheme: SchemeModMaker, ID: m.ID,
					Err: fmt.Errorf("invalid publish date %q: %w", m.PublishDate, err)})
				continue
			}
			entry.PublishDate = d
		}
		resp.ModMaker = append(resp.ModMaker, entry)
	}
	for _, n := range root.Nexus {
		entry := &NexusEntry{ID: n.ID, Game: n.Game, Version: strings.TrimSpace(n.Version), Changelog: n.Changelog}
		if n.UpdatedTimestamp != 0 {
			entry.Updated = time.Unix(n.UpdatedTimestamp, 0).UTC()
		}
		resp.Nexus = append(resp.Nexus, entry)
	}
	return resp, nil
}

func decodeMod(m xmlMod) (*ModEntry, error) {
	entry := &ModEntry{
		UpdateCode: m.UpdateCode,
		Version:    strings.TrimSpace(m.Version),
		Changelog:  m.Changelog,
		Folder:     strings.TrimSpace(m.Folder),
	}
	if entry.Folder == "" {
		return nil, fmt.Errorf("missing server folder")
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, sf := range m.Files {
		rel, err := paths.Relative(strings.TrimSpace(sf.Path))
		if err != nil {
			return nil, err
		}
		key := paths.Key(rel)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate file %s", rel)
		}
		seen[key] = struct{}{}

		if sf.Hash == "" || sf.LZMAHash == "" {
			return nil, fmt.Errorf("file %s has no digest", rel)
		}
		if sf.Size < 0 || sf.LZMASize < 0 {
			return nil, fmt.Errorf("file %s has a negative size", rel)
		}
		entry.Files = append(entry.Files, &File{
			Path:         rel,
			Hash:         strings.ToLower(sf.Hash),
			Size:         sf.Size,
			TransferHash: strings.ToLower(sf.LZMAHash),
			TransferSize: sf.LZMASize,
			Timestamp:    sf.Timestamp,
		})
	}

	for _, b := range m.Blacklist {
		rel, err := paths.Relative(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("blacklisted file: %w", err)
		}
		entry.Blacklist = append(entry.Blacklist, rel)
	}
	return entry, nil
}

// Encode writes resp in the wire format Parse reads.
func Encode(w io.Writer, resp *Response) error {
	root := xmlRoot{}
	for _, m := range resp.Mods {
		root.Mods = append(root.Mods, encodeMod(m))
	}
	for _, m := range resp.ModMaker {
		x := xmlModMaker{ID: m.ID, Version: m.Version, Changelog: m.Changelog}
		if !m.PublishDate.IsZero() {
			x.PublishDate = m.PublishDate.Format(publishDateLayout)
		}
		root.ModMaker = append(root.ModMaker, x)
	}
	for _, n := range resp.Nexus {
		x := xmlNexus{ID: n.ID, Game: n.Game, Version: n.Version, Changelog: n.Changelog}
		if !n.Updated.IsZero() {
			x.UpdatedTimestamp = n.Updated.Unix()
		}
		root.Nexus = append(root.Nexus, x)
	}
	return writeXML(w, root)
}

func encodeMod(m *ModEntry) xmlMod {
	x := xmlMod{
		UpdateCode: m.UpdateCode,
		Version:    m.Version,
		Changelog:  m.Changelog,
		Folder:     m.Folder,
	}
	for _, f := range m.Files {
		x.Files = append(x.Files, xmlSourceFile{
			Hash:      f.Hash,
			Size:      f.Size,
			LZMAHash:  f.TransferHash,
			LZMASize:  f.TransferSize,
			Timestamp: f.Timestamp,
			Path:      wirePath(f.Path),
		})
	}
	for _, b := range m.Blacklist {
		x.Blacklist = append(x.Blacklist, wirePath(b))
	}
	return x
}

// wirePath renders a relative path with the backslash separators the service uses.
func wirePath(rel string) string {
	return strings.ReplaceAll(rel, "/", "\\")
}

func writeXML(w io.Writer, v any) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}
