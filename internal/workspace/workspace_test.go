package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProject(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.lua"), []byte("return 1"), 0644))

	ws, err := Open(dir, 16)
	require.NoError(t, err)
	return ws
}

func TestOpenRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := Open(file, 0)
	require.Error(t, err)

	_, err = Open(filepath.Join(dir, "missing"), 0)
	require.Error(t, err)
}

func TestReadFile(t *testing.T) {
	ws := newProject(t)

	data, err := ws.ReadFile("README.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = ws.ReadFile("src/../src/main.lua")
	require.NoError(t, err)
	assert.Equal(t, "return 1", string(data))

	_, err = ws.ReadFile("nope.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = ws.ReadFile("src")
	require.Error(t, err)
}

func TestReadFileLimit(t *testing.T) {
	ws := newProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "big.txt"), []byte(strings.Repeat("x", 17)), 0644))

	_, err := ws.ReadFile("big.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read limit")
}

func TestPathsOutsideRootRejected(t *testing.T) {
	ws := newProject(t)

	for _, p := range []string{"../etc/passwd", "/etc/passwd", "src/../../x"} {
		_, err := ws.ReadFile(p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}

	_, err := ws.ListDir("..")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestSymlinkEscapeRejected(t *testing.T) {
	ws := newProject(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0644))
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := ws.ReadFile("link/secret")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestListDir(t *testing.T) {
	ws := newProject(t)

	names, err := ws.ListDir("")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "src/"}, names)

	names, err = ws.ListDir("src")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.lua"}, names)

	_, err = ws.ListDir("missing")
	require.Error(t, err)
}
