package shm

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	w, err := Create(path, 4)
	require.NoError(t, err)
	defer w.Close()

	script := []byte("print(42)")
	require.NoError(t, w.Lease(7, script))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 4, r.Slots())

	got, err := r.Script(7, len(script))
	require.NoError(t, err)
	require.Equal(t, script, got)
}

func TestPoolSlotPartitioning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Create(path, 4)
	require.NoError(t, err)
	defer p.Close()

	// job ids that differ mod slots never share a slot
	require.Equal(t, p.SlotIndex(1), p.SlotIndex(5))
	require.NotEqual(t, p.SlotIndex(1), p.SlotIndex(2))
}

func TestPoolLeaseExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Create(path, 4)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Lease(1, []byte("a")))
	// job 5 maps to the same slot while job 1 holds it
	require.Error(t, p.Lease(5, []byte("b")))
	// re-leasing by the holder is fine
	require.NoError(t, p.Lease(1, []byte("c")))

	p.Release(1)
	require.NoError(t, p.Lease(5, []byte("b")))
	// releasing by a non-holder must not free the slot
	p.Release(1)
	require.Error(t, p.Lease(9, []byte("d")))
}

func TestPoolScriptTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := Create(path, 1)
	require.NoError(t, err)
	defer p.Close()

	require.Error(t, p.Lease(0, bytes.Repeat([]byte("x"), BlockSize)))
	require.NoError(t, p.Lease(0, bytes.Repeat([]byte("x"), BlockSize-1)))
}

func TestPoolReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	w, err := Create(path, 1)
	require.NoError(t, err)
	defer w.Close()

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Error(t, r.Lease(0, []byte("x")))
}
