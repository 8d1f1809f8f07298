// internal/tools/repo.go
package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
)

var (
	// ErrPathOutsideSandbox is returned for absolute paths and paths that
	// resolve outside the repository root, including through symlinks.
	ErrPathOutsideSandbox = errors.New("path escapes repo root")
	// ErrInvalidArgument is returned when a tool argument has an unusable value.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RepoTools implements the allow-listed repository operations. There is no
// arbitrary command execution; the only process it starts is the driver's
// test command.
type RepoTools struct {
	root string
}

// NewRepoTools roots a tool set at dir. The root is resolved through symlinks
// once so that containment checks compare canonical paths.
func NewRepoTools(dir string) (*RepoTools, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repo root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo root %s is not a directory", dir)
	}
	return &RepoTools{root: filepath.Clean(resolved)}, nil
}

// Root returns the canonical repository root.
func (r *RepoTools) Root() string { return r.root }

// SafePath resolves a repo-relative path to an absolute path inside the root.
func (r *RepoTools) SafePath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathOutsideSandbox, rel)
	}

	candidate := filepath.Clean(filepath.Join(r.root, filepath.FromSlash(rel)))
	if !isWithinDir(r.root, candidate) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideSandbox, rel)
	}
	if !isWithinDir(r.root, resolveExisting(candidate)) {
		return "", fmt.Errorf("%w: %q via symlink", ErrPathOutsideSandbox, rel)
	}
	return candidate, nil
}

func (r *RepoTools) relative(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// ListFiles walks relDir recursively in lexical order and returns up to
// maxFiles repo-relative file paths, one per line.
func (r *RepoTools) ListFiles(relDir string, maxFiles int) (schemas.Observation, error) {
	dir, err := r.SafePath(relDir)
	if err != nil {
		return schemas.Observation{}, err
	}
	if maxFiles <= 0 {
		return schemas.Observation{}, fmt.Errorf("%w: max_files must be positive", ErrInvalidArgument)
	}
	meta := map[string]interface{}{"rel_dir": relDir}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return schemas.Observation{OK: false, Output: "Directory not found: " + relDir, Meta: meta}, nil
	}

	var files []string
	truncated := false
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxFiles {
			truncated = true
			return fs.SkipAll
		}
		files = append(files, r.relative(path))
		return nil
	})
	if walkErr != nil {
		return schemas.Observation{}, fmt.Errorf("failed to list %s: %w", relDir, walkErr)
	}

	meta["count"] = len(files)
	return schemas.Observation{OK: true, Output: strings.Join(files, "\n"), Truncated: truncated, Meta: meta}, nil
}

// ReadFile returns up to maxChars characters of a UTF-8 text file.
func (r *RepoTools) ReadFile(relPath string, maxChars int) (schemas.Observation, error) {
	path, err := r.SafePath(relPath)
	if err != nil {
		return schemas.Observation{}, err
	}
	if maxChars <= 0 {
		return schemas.Observation{}, fmt.Errorf("%w: max_chars must be positive", ErrInvalidArgument)
	}
	meta := map[string]interface{}{"rel_path": relPath}
	info, statErr := os.Stat(path)
	if statErr != nil || info.IsDir() {
		return schemas.Observation{OK: false, Output: "File not found: " + relPath, Meta: meta}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	text := strings.ToValidUTF8(string(data), "�")
	out, cut := llmutil.TruncateRunes(text, maxChars)
	meta["chars"] = utf8.RuneCountInString(text)
	meta["truncated"] = cut
	return schemas.Observation{OK: true, Output: out, Truncated: cut, Meta: meta}, nil
}

// WriteFile replaces the file at relPath, creating parent directories.
func (r *RepoTools) WriteFile(relPath, content string) (schemas.Observation, error) {
	if strings.TrimSpace(relPath) == "" || strings.TrimSpace(relPath) == "." {
		return schemas.Observation{}, fmt.Errorf("%w: rel_path must name a file", ErrInvalidArgument)
	}
	path, err := r.SafePath(relPath)
	if err != nil {
		return schemas.Observation{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to create parent of %s: %w", relPath, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return schemas.Observation{}, fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return schemas.Observation{
		OK:     true,
		Output: fmt.Sprintf("Wrote %s (%d chars).", relPath, utf8.RuneCountInString(content)),
		Meta:   map[string]interface{}{"rel_path": relPath},
	}, nil
}

// Grep finds lines containing the literal pattern under relDir. Hits are
// formatted as path:line:trimmed-text.
func (r *RepoTools) Grep(pattern, relDir string, maxHits int) (schemas.Observation, error) {
	if pattern == "" {
		return schemas.Observation{}, fmt.Errorf("%w: pattern must not be empty", ErrInvalidArgument)
	}
	if maxHits <= 0 {
		return schemas.Observation{}, fmt.Errorf("%w: max_hits must be positive", ErrInvalidArgument)
	}
	dir, err := r.SafePath(relDir)
	if err != nil {
		return schemas.Observation{}, err
	}
	meta := map[string]interface{}{"pattern": pattern, "rel_dir": relDir}
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return schemas.Observation{OK: false, Output: "Directory not found: " + relDir, Meta: meta}, nil
	}

	var hits []string
	truncated := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil || !strings.Contains(string(data), pattern) {
			return nil
		}
		rel := r.relative(path)
		for i, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(line, pattern) {
				continue
			}
			hits = append(hits, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
			if len(hits) >= maxHits {
				truncated = true
				return fs.SkipAll
			}
		}
		return nil
	})

	meta["count"] = len(hits)
	meta["truncated"] = truncated
	if len(hits) == 0 {
		return schemas.Observation{OK: true, Output: "(no matches)", Meta: meta}, nil
	}
	return schemas.Observation{OK: true, Output: strings.Join(hits, "\n"), Truncated: truncated, Meta: meta}, nil
}

func isWithinDir(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-attaches the non-existent remainder.
func resolveExisting(path string) string {
	var rest []string
	current := path
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return filepath.Clean(resolved)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path)
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}
