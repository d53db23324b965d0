package sandbox

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/GermanZvezdin/prun"
	"github.com/GermanZvezdin/prun/lib/shm"
)

// shellNode is a minimal node driver: it drains the script off the
// write FIFO and answers with a zero code on the read FIFO.
const shellNode = `#!/bin/sh
read_fifo="$1"
write_fifo="$2"
len="$3"
head -c "$len" "$write_fifo" > /dev/null
printf '\000\000\000\000' > "$read_fifo"
`

// shellNodeFail drains the script, then answers with code 1.
const shellNodeFail = `#!/bin/sh
read_fifo="$1"
write_fifo="$2"
len="$3"
head -c "$len" "$write_fifo" > /dev/null
printf '\001\000\000\000' > "$read_fifo"
`

// shellNodeHang never answers.
const shellNodeHang = `#!/bin/sh
sleep 30
`

type execFixture struct {
	pool *shm.Pool
	e    *Executor
}

func newExecFixture(t *testing.T, fifoIdx int, nodeScript string) *execFixture {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("sandbox needs linux fifos")
	}
	exeDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(exeDir, "node"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(exeDir, "node", "node.sh"), []byte(nodeScript), 0o755))

	pool, err := shm.Create(filepath.Join(t.TempDir(), "pool"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	fifos, err := NewFIFOPair(fifoIdx, 0)
	require.NoError(t, err)
	t.Cleanup(fifos.Close)

	e := NewExecutor(pool, fifos, map[string]string{"shell": "/bin/sh"}, exeDir, zerolog.Nop())
	return &execFixture{pool: pool, e: e}
}

func shellRequest(t *testing.T, f *execFixture, jobID int64, script string, timeout int) prun.TaskRequest {
	t.Helper()
	require.NoError(t, f.pool.Lease(jobID, []byte(script)))
	return prun.TaskRequest{
		ID:       jobID,
		Len:      len(script),
		Lang:     "shell",
		TaskID:   0,
		NumTasks: 1,
		Timeout:  timeout,
	}
}

func TestExecutorSuccess(t *testing.T) {
	f := newExecFixture(t, 910, shellNode)
	code := f.e.Execute(shellRequest(t, f, 1, "echo hi", 10))
	require.Equal(t, prun.ErrOK, code)
	require.Equal(t, TaskDone, f.e.State())
}

func TestExecutorNonZeroCode(t *testing.T) {
	f := newExecFixture(t, 911, shellNodeFail)
	code := f.e.Execute(shellRequest(t, f, 2, "boom", 10))
	require.Equal(t, prun.ErrCode(1), code)
	require.True(t, code.Failed())
	require.Equal(t, TaskDone, f.e.State())
}

func TestExecutorTimeoutKillsChild(t *testing.T) {
	f := newExecFixture(t, 912, shellNodeHang)
	start := time.Now()
	code := f.e.Execute(shellRequest(t, f, 3, "never read", 1))
	require.Equal(t, prun.ErrTaskTimeout, code)
	require.Equal(t, TaskKilled, f.e.State())
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestExecutorUnknownLanguage(t *testing.T) {
	f := newExecFixture(t, 913, shellNode)
	req := shellRequest(t, f, 4, "x", 10)
	req.Lang = "cobol"
	require.Equal(t, prun.ErrLanguageNotSupported, f.e.Execute(req))
}

func TestExecutorMissingInterpreter(t *testing.T) {
	f := newExecFixture(t, 914, shellNode)
	req := shellRequest(t, f, 5, "x", 10)
	req.Lang = "python" // not configured in the fixture
	require.Equal(t, prun.ErrFatalNode, f.e.Execute(req))
}

func TestExecutorArgv(t *testing.T) {
	f := newExecFixture(t, 915, shellNode)
	req := prun.TaskRequest{ID: 1, Len: 9, Lang: "shell", TaskID: 2, NumTasks: 4}

	spec, _ := prun.LangShell.Spec()
	args := f.e.argv(spec, req)
	require.Len(t, args, 6)
	require.Contains(t, args[0], "node/node.sh")
	require.Equal(t, []string{"9", "2", "4"}, args[3:])

	jspec, _ := prun.LangJava.Spec()
	args = f.e.argv(jspec, req)
	require.Equal(t, "-cp", args[0])
	require.Equal(t, "node", args[2])
}
