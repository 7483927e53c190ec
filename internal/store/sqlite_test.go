package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/config"
)

func TestMigrateInMemory(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.Migrate(context.Background(), "test",
		`CREATE TABLE IF NOT EXISTS sample (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`INSERT INTO sample (name) VALUES ('a')`,
	)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM sample`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrateRollsBackOnError(t *testing.T) {
	s, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.Migrate(context.Background(), "test",
		`CREATE TABLE sample (id INTEGER PRIMARY KEY)`,
		`NOT SQL`,
	)
	require.Error(t, err)

	var name string
	err = s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='sample'`).Scan(&name)
	assert.Error(t, err)
}

func TestNewSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
