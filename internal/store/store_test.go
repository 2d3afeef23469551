package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var tables []string
	err = s.DB().Select(&tables,
		`SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	require.NoError(t, err)

	assert.Contains(t, tables, "credentials")
	assert.Contains(t, tables, "usage_log")
	assert.Contains(t, tables, "block_records")
	assert.Contains(t, tables, "outbound_proxies")
	assert.Contains(t, tables, "proxy_state")
}

func TestOpen_MigrationsAddColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Columns introduced after the initial schema must be present.
	var cols []struct {
		CID     int     `db:"cid"`
		Name    string  `db:"name"`
		Type    string  `db:"type"`
		NotNull int     `db:"notnull"`
		Default *string `db:"dflt_value"`
		PK      int     `db:"pk"`
	}
	err = s.DB().Select(&cols, `PRAGMA table_info(credentials)`)
	require.NoError(t, err)

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "error_count")
	assert.Contains(t, names, "last_error")
	assert.Contains(t, names, "balance_checked_at")
	assert.Contains(t, names, "last_used_at")
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")

	s1, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Second open runs migrations against an up-to-date file.
	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	assert.NoError(t, s2.Ping(context.Background()))
}

func TestProxyStateSeeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var enabled int
	err = s.DB().Get(&enabled, `SELECT enabled FROM proxy_state WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, 0, enabled)
}
