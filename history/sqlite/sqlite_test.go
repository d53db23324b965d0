package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GermanZvezdin/prun/history"
)

func TestStoreCRUD(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(1)
	require.Equal(t, history.ErrNotFound, err)

	require.NoError(t, s.Put(1, `{"id":1}`))
	got, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, `{"id":1}`, got)

	// put twice replaces
	require.NoError(t, s.Put(1, `{"id":1,"v":2}`))
	got, err = s.Get(1)
	require.NoError(t, err)
	require.Equal(t, `{"id":1,"v":2}`, got)

	require.NoError(t, s.Delete(1))
	_, err = s.Get(1)
	require.Equal(t, history.ErrNotFound, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}
