package testhelpers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siliconpool/siliconpool/internal/store"
)

// NewTestStore opens a migrated store backed by a throwaway file.
// The store is closed automatically when the test finishes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}
