// Package testutil provides archive fixtures for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MOMOJMOGG/report-agent/internal/infrastructure/sqlite"
)

// NewArchive opens a migrated archive in a temp directory and returns it with
// its path. The database is closed when the test ends.
func NewArchive(t *testing.T) (*sqlite.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.db")
	db, err := sqlite.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}
