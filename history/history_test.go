package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongodb"})
	require.Error(t, err)
}

func TestOpenNone(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	require.NoError(t, s.Put(1, "x"))
	_, err = s.Get(1)
	require.Equal(t, ErrNotFound, err)
	require.NoError(t, s.Delete(1))
	require.NoError(t, s.Close())
}
