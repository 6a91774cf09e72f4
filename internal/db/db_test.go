package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenUsesWorkspacePath(t *testing.T) {
	ws := t.TempDir()
	cfg := Config{Workspace: ws}
	path, ok := cfg.WorkspacePath()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(ws, ".stageline", "stageline.db"), path)

	conn, dialect, err := Open(cfg)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	assert.FileExists(t, path)
}

func TestWorkspacePathNeedsDefaultSQLite(t *testing.T) {
	_, ok := Config{Driver: "sqlite", DSN: "file::memory:"}.WorkspacePath()
	assert.False(t, ok)
	_, ok = Config{Driver: "postgres", DSN: "postgres://x"}.WorkspacePath()
	assert.False(t, ok)
	_, ok = Config{Driver: "mysql"}.WorkspacePath()
	assert.False(t, ok)
}
