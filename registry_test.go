package prun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadHosts(t *testing.T) {
	path := writeHosts(t, "10.0.0.1\n\nworker-a.example.com\n192.168.1.20\n")
	hosts, err := ReadHosts(path)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1", "worker-a.example.com", "192.168.1.20"}, hosts)
}

func TestReadHostsInvalidIP(t *testing.T) {
	for _, bad := range []string{"10.0.0\n", "999.1.1.1\n", "2abc.example.com\n"} {
		_, err := ReadHosts(writeHosts(t, bad))
		require.Error(t, err, "input %q", bad)
	}
}

func TestReadHostsMissingFile(t *testing.T) {
	_, err := ReadHosts(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func newTestRegistry(hosts ...string) *WorkerRegistry {
	return NewWorkerRegistry(hosts, 1, 3, zerolog.Nop())
}

func TestRegistryStateMachine(t *testing.T) {
	r := newTestRegistry("a", "b")

	// nothing selectable until a ping admits a worker
	require.Nil(t, r.Select())

	r.OnPingSuccess("a")
	w := r.Select()
	require.NotNil(t, w)
	require.Equal(t, "a", w.Host())
	require.Equal(t, WorkerAvail, w.State())

	// at capacity the worker is executing and out of the pool
	r.Assign(w)
	require.Equal(t, WorkerExecuting, w.State())
	require.Nil(t, r.Select())

	// completion brings it back
	r.Release(w)
	require.Equal(t, WorkerAvail, w.State())
	require.Equal(t, w, r.Select())

	// a ping failure drops it
	r.OnPingFailure("a")
	require.Equal(t, WorkerNotAvail, w.State())
	require.Nil(t, r.Select())
}

func TestRegistryDisableAfterPingFails(t *testing.T) {
	r := newTestRegistry("a")
	r.OnPingSuccess("a")
	for i := 0; i < 3; i++ {
		r.OnPingFailure("a")
	}
	w := r.workers["a"]
	require.Equal(t, WorkerDisabled, w.State())

	// a disabled worker ignores pings until re-enabled
	r.OnPingSuccess("a")
	require.Equal(t, WorkerDisabled, w.State())

	require.NoError(t, r.Enable("a"))
	require.Equal(t, WorkerNotAvail, w.State())
	r.OnPingSuccess("a")
	require.Equal(t, WorkerAvail, w.State())
}

func TestRegistryOperatorDisable(t *testing.T) {
	r := newTestRegistry("a")
	r.OnPingSuccess("a")
	require.NoError(t, r.Disable("a"))
	require.Nil(t, r.Select())
	require.Error(t, r.Disable("ghost"))
}

func TestRegistrySelection(t *testing.T) {
	r := NewWorkerRegistry([]string{"c", "a", "b"}, 2, 3, zerolog.Nop())
	for _, h := range []string{"a", "b", "c"} {
		r.OnPingSuccess(h)
	}

	// ties break by lexicographic host id
	w := r.Select()
	require.Equal(t, "a", w.Host())

	// fewest outstanding tasks wins
	r.Assign(w)
	require.Equal(t, "b", r.Select().Host())
}

func TestRegistryInfos(t *testing.T) {
	r := newTestRegistry("b", "a")
	r.OnPingSuccess("b")
	infos := r.Infos()
	require.Len(t, infos, 2)
	require.Equal(t, "a", infos[0].Host)
	require.Equal(t, "not_avail", infos[0].State)
	require.Equal(t, "b", infos[1].Host)
	require.Equal(t, "avail", infos[1].State)
	require.Equal(t, 1, r.NumAvail())
}
