// internal/sandbox/sandbox.go
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/internal/config"
)

// ErrDestinationNotEmpty is returned when an explicit destination already has content.
var ErrDestinationNotEmpty = errors.New("sandbox destination is not empty")

// Workspace is one materialized, writable copy of a repository.
type Workspace struct {
	Root   string
	Source string
	Mode   config.SandboxMode

	owned  bool
	keep   bool
	logger *zap.Logger
}

// Cleanup removes the workspace unless it was configured to be kept or is the
// source repository itself.
func (w *Workspace) Cleanup() {
	if w == nil || !w.owned {
		return
	}
	if w.keep {
		w.logger.Info("Keeping sandbox workspace.", zap.String("path", w.Root))
		return
	}
	if err := os.RemoveAll(w.Root); err != nil {
		w.logger.Error("Failed to clean up sandbox workspace.", zap.String("path", w.Root), zap.Error(err))
		return
	}
	w.logger.Debug("Sandbox workspace cleaned up.", zap.String("path", w.Root))
}

// ChangedFiles lists modified and untracked paths in a git workspace.
func (w *Workspace) ChangedFiles() ([]string, error) {
	return ChangedFiles(w.Root)
}

// Manager materializes workspaces according to the sandbox config.
type Manager struct {
	cfg    config.SandboxConfig
	logger *zap.Logger
}

// NewManager creates a workspace manager.
func NewManager(cfg config.SandboxConfig, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger.Named("sandbox")}
}

// Create materializes source into dest, or into a fresh temp directory when
// dest is empty. With sandboxing disabled the source directory is used in place.
func (m *Manager) Create(ctx context.Context, source, dest string) (*Workspace, error) {
	src, err := homedir.Expand(source)
	if err != nil {
		return nil, fmt.Errorf("failed to expand source path: %w", err)
	}

	if !m.cfg.Enabled {
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve source path: %w", err)
		}
		return &Workspace{Root: abs, Source: abs, Mode: m.cfg.Mode, logger: m.logger}, nil
	}

	root, err := m.prepareDestination(dest)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Root: root, Source: src, Mode: m.cfg.Mode, owned: true, keep: m.cfg.Keep, logger: m.logger}

	switch m.cfg.Mode {
	case config.SandboxGit:
		err = cloneRepo(ctx, src, root)
	default:
		err = copyTree(ctx, src, root)
	}
	if err != nil {
		ws.keep = false
		ws.Cleanup()
		return nil, err
	}

	m.logger.Debug("Sandbox workspace created.",
		zap.String("source", src),
		zap.String("path", root),
		zap.String("mode", string(m.cfg.Mode)))
	return ws, nil
}

func (m *Manager) prepareDestination(dest string) (string, error) {
	if dest == "" {
		dir, err := os.MkdirTemp("", "repo-agent-*")
		if err != nil {
			return "", fmt.Errorf("could not create temp dir: %w", err)
		}
		return filepath.Abs(dir)
	}

	expanded, err := homedir.Expand(dest)
	if err != nil {
		return "", fmt.Errorf("failed to expand destination path: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	switch {
	case err == nil && len(entries) > 0:
		return "", fmt.Errorf("%w: %s", ErrDestinationNotEmpty, abs)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to inspect destination: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}
	return abs, nil
}

// cloneRepo clones a remote URL. A local repository is copied together with
// its .git directory, which yields the same clean worktree without needing a
// git binary for the file transport.
func cloneRepo(ctx context.Context, source, dest string) error {
	if isRemote(source) {
		if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{URL: source}); err != nil {
			return fmt.Errorf("failed to clone %s: %w", source, err)
		}
		return nil
	}
	if _, err := git.PlainOpen(source); err != nil {
		return fmt.Errorf("source is not a git repository: %s: %w", source, err)
	}
	return copyTree(ctx, source, dest)
}

func isRemote(source string) bool {
	return strings.Contains(source, "://") || strings.HasPrefix(source, "git@")
}

// copyTree copies the regular files, directories and symlinks under src into dest.
func copyTree(ctx context.Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source repo: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source repo is not a directory: %s", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ChangedFiles returns the sorted paths with staged, unstaged or untracked
// changes in the git repository at root.
func ChangedFiles(root string) ([]string, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	var files []string
	for file, st := range status {
		if st.Staging != git.Unmodified || st.Worktree != git.Unmodified {
			files = append(files, filepath.ToSlash(file))
		}
	}
	sort.Strings(files)
	return files, nil
}
