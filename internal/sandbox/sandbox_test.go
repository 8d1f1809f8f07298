package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/repoagent/internal/config"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// initRepo creates a git repository with one commit.
func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, files)

	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for path := range files {
		_, err := wt.Add(path)
		require.NoError(t, err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return root
}

func TestCreate_CopyMode(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.py": "x = 1\n", "pkg/b.py": "y = 2\n"})

	m := NewManager(config.SandboxConfig{Enabled: true, Mode: config.SandboxCopy}, zaptest.NewLogger(t))
	ws, err := m.Create(context.Background(), src, "")
	require.NoError(t, err)
	assert.NotEqual(t, src, ws.Root)
	assert.Contains(t, filepath.Base(ws.Root), "repo-agent-")

	data, err := os.ReadFile(filepath.Join(ws.Root, "pkg", "b.py"))
	require.NoError(t, err)
	assert.Equal(t, "y = 2\n", string(data))

	// Edits stay inside the workspace.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "a.py"), []byte("x = 2\n"), 0o644))
	orig, err := os.ReadFile(filepath.Join(src, "a.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(orig))

	ws.Cleanup()
	_, err = os.Stat(ws.Root)
	assert.True(t, os.IsNotExist(err))
}

func TestCreate_Keep(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.py": "x"})

	m := NewManager(config.SandboxConfig{Enabled: true, Keep: true, Mode: config.SandboxCopy}, zaptest.NewLogger(t))
	ws, err := m.Create(context.Background(), src, "")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(ws.Root) })

	ws.Cleanup()
	_, err = os.Stat(filepath.Join(ws.Root, "a.py"))
	assert.NoError(t, err)
}

func TestCreate_Destination(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.py": "x"})
	m := NewManager(config.SandboxConfig{Enabled: true, Mode: config.SandboxCopy}, zaptest.NewLogger(t))

	dest := filepath.Join(t.TempDir(), "ws")
	ws, err := m.Create(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, ws.Root)

	_, err = m.Create(context.Background(), src, dest)
	assert.True(t, errors.Is(err, ErrDestinationNotEmpty))
}

func TestCreate_Disabled(t *testing.T) {
	src := t.TempDir()
	m := NewManager(config.SandboxConfig{Enabled: false}, zaptest.NewLogger(t))
	ws, err := m.Create(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, src, ws.Root)

	ws.Cleanup()
	_, err = os.Stat(src)
	assert.NoError(t, err, "in-place workspaces are never removed")
}

func TestCreate_MissingSource(t *testing.T) {
	m := NewManager(config.SandboxConfig{Enabled: true, Mode: config.SandboxCopy}, zaptest.NewLogger(t))
	_, err := m.Create(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}

func TestCreate_GitModeAndChangedFiles(t *testing.T) {
	src := initRepo(t, map[string]string{"a.py": "x = 1\n", "b.py": "y = 1\n"})

	m := NewManager(config.SandboxConfig{Enabled: true, Mode: config.SandboxGit}, zaptest.NewLogger(t))
	ws, err := m.Create(context.Background(), src, "")
	require.NoError(t, err)
	t.Cleanup(ws.Cleanup)

	changed, err := ws.ChangedFiles()
	require.NoError(t, err)
	assert.Empty(t, changed)

	writeFiles(t, ws.Root, map[string]string{"b.py": "y = 2\n", "new/c.py": "z"})
	changed, err = ws.ChangedFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py", "new/c.py"}, changed)
}

func TestChangedFiles_NotARepo(t *testing.T) {
	_, err := ChangedFiles(t.TempDir())
	assert.Error(t, err)
}

func TestCreate_GitModeRequiresRepo(t *testing.T) {
	m := NewManager(config.SandboxConfig{Enabled: true, Mode: config.SandboxGit}, zaptest.NewLogger(t))
	_, err := m.Create(context.Background(), t.TempDir(), "")
	assert.ErrorContains(t, err, "not a git repository")
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://github.com/org/repo.git"))
	assert.True(t, isRemote("git@github.com:org/repo.git"))
	assert.False(t, isRemote("/tmp/repo"))
	assert.False(t, isRemote("~/src/repo"))
}
