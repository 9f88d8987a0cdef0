package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/datastore"
)

// NewSQLiteStore opens a migrated SQLite datastore in a temp directory and
// closes it when the test ends.
func NewSQLiteStore(t *testing.T) *datastore.DataStore {
	t.Helper()
	ds, err := datastore.New(&conf.DatabaseSettings{
		Type:   conf.DatabaseSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "verifier.db")},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}
