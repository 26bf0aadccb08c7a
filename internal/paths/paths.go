package paths

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Normalize converts a path to forward slashes and cleans it (for manifest/index storage).
// Backslashes are treated as separators on every platform because server manifests use them.
func Normalize(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// Denormalize converts a path from forward slashes to platform-specific separators
func Denormalize(p string) string {
	return strings.ReplaceAll(p, "/", string(filepath.Separator))
}

// Key returns the case-insensitive lookup key for a relative path
func Key(p string) string {
	return strings.ToLower(Normalize(p))
}

// Relative normalizes a mod-relative path and rejects anything that is absolute
// or escapes the mod root.
func Relative(p string) (string, error) {
	n := Normalize(p)
	switch {
	case n == "." || n == "":
		return "", fmt.Errorf("empty relative path %q", p)
	case strings.HasPrefix(n, "/"):
		return "", fmt.Errorf("absolute path not allowed: %q", p)
	case len(n) >= 2 && n[1] == ':':
		return "", fmt.Errorf("drive-qualified path not allowed: %q", p)
	case n == ".." || strings.HasPrefix(n, "../"):
		return "", fmt.Errorf("path traversal attempt detected: %q", p)
	}
	return n, nil
}

// ValidatePath ensures a path doesn't escape the base directory (path traversal protection)
func ValidatePath(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected")
	}

	return absTarget, nil
}

// Join resolves a mod-relative path under root, refusing paths that escape it
func Join(root, rel string) (string, error) {
	n, err := Relative(rel)
	if err != nil {
		return "", err
	}
	return ValidatePath(root, filepath.Join(root, Denormalize(n)))
}

// FindActual finds the actual case of a file on case-insensitive filesystems
func FindActual(targetPath string) (string, error) {
	if _, err := os.Stat(targetPath); err == nil {
		return targetPath, nil
	}

	dir := filepath.Dir(targetPath)
	filename := filepath.Base(targetPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return targetPath, nil
	}

	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), filename) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return targetPath, nil
}

// ListFiles returns the normalized relative path of every regular file under root, sorted
func ListFiles(root string) ([]string, error) {
	return WalkFiles(root, nil)
}

// WalkFiles is ListFiles that tolerates unreadable entries below root: each
// one is handed to skip and left out. A nil skip makes them fatal. Failing
// to read root itself is always an error.
func WalkFiles(root string, skip func(rel string, err error)) ([]string, error) {
	files, err := WalkFS(os.DirFS(root), skip)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// WalkFS lists the regular files of fsys like WalkFiles.
func WalkFS(fsys fs.FS, skip func(rel string, err error)) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." || skip == nil {
				return err
			}
			skip(p, err)
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// LoadExcludes reads exclusion patterns from an excludes file
func LoadExcludes(excludesPath string) map[string]struct{} {
	excludes := make(map[string]struct{})

	file, err := os.Open(excludesPath)
	if err != nil {
		return excludes
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			AddExclude(excludes, line)
		}
	}
	return excludes
}

// AddExclude adds a single pattern to an exclusion set
func AddExclude(excludes map[string]struct{}, pattern string) {
	normalized := strings.ToLower(strings.ReplaceAll(pattern, "\\", "/"))
	if !strings.HasSuffix(normalized, "/") {
		normalized = Normalize(normalized)
	}
	excludes[normalized] = struct{}{}
}

// MatchesExclusion checks if a path matches any exclusion pattern
func MatchesExclusion(p string, excludes map[string]struct{}) bool {
	normalizedPath := Key(p)

	for pattern := range excludes {
		if normalizedPath == pattern {
			return true
		}

		if strings.Contains(pattern, "*") {
			if matched, _ := path.Match(pattern, normalizedPath); matched {
				return true
			}
			if matched, _ := path.Match(pattern, path.Base(normalizedPath)); matched && !strings.Contains(pattern, "/") {
				return true
			}
		}

		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(normalizedPath, pattern) {
			return true
		}
	}

	return false
}
