package prun

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// workerSim plays a whole worker fleet for master tests: every send
// succeeds after a short task duration unless a per-host code says
// otherwise.
type workerSim struct {
	mu    sync.Mutex
	sent  []sentTask
	codes map[string]ErrCode
}

func newWorkerSim() *workerSim {
	return &workerSim{codes: make(map[string]ErrCode)}
}

func (f *workerSim) SendTask(host string, req TaskRequest) (ErrCode, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentTask{host: host, req: req})
	code := f.codes[host]
	f.mu.Unlock()
	// hold the worker busy for a moment, like a real script run
	time.Sleep(20 * time.Millisecond)
	return code, nil
}

func (f *workerSim) Ping(host string) error { return nil }

func (f *workerSim) sentTasks() []sentTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTask{}, f.sent...)
}

func newTestMaster(t *testing.T, sim *workerSim, hosts ...string) *Master {
	t.Helper()
	m, err := NewMaster(MasterOptions{
		Addr:         "127.0.0.1:0",
		AdminAddr:    "127.0.0.1:0",
		ShmemPath:    filepath.Join(t.TempDir(), "pool"),
		ShmemSlots:   16,
		PingInterval: 10 * time.Millisecond,
		Hosts:        hosts,
		Transport:    sim,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func submitPayload(t *testing.T, m *Master, payload string) ErrCode {
	t.Helper()
	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, WriteFrame(conn, []byte(payload)))
	respPayload, err := ReadFrame(conn)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(respPayload, &resp))
	return ErrCode(resp.Err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMasterOneShotSuccess(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim, "w1", "w2")

	code := submitPayload(t, m, `{
		"script": "print(42)",
		"lang": "python",
		"num_nodes": 2,
		"max_failed_nodes": 0
	}`)
	require.Equal(t, ErrOK, code)

	// both workers receive one task each, and the job drains
	waitFor(t, func() bool { return len(sim.sentTasks()) == 2 })
	sent := sim.sentTasks()
	require.NotEqual(t, sent[0].host, sent[1].host)
	taskIDs := map[int]bool{sent[0].req.TaskID: true, sent[1].req.TaskID: true}
	require.Equal(t, map[int]bool{0: true, 1: true}, taskIDs)

	jobID := sent[0].req.ID
	waitFor(t, func() bool { return !m.reconciler.Live(jobID) })
	require.Equal(t, 0, m.queue.Len())
}

func TestMasterSharedMemoryCarriesScript(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim, "w1")

	code := submitPayload(t, m, `{"script":"print('shm')","lang":"python","num_nodes":1}`)
	require.Equal(t, ErrOK, code)

	waitFor(t, func() bool { return len(sim.sentTasks()) == 1 })
	req := sim.sentTasks()[0].req
	script, err := m.pool.Script(req.ID, req.Len)
	require.NoError(t, err)
	require.Equal(t, "print('shm')", string(script))
}

func TestMasterRejectsMalformedPayload(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim)

	require.Equal(t, ErrMalformedPayload, submitPayload(t, m, `{"lang":`))
	require.Equal(t, ErrLanguageNotSupported, submitPayload(t, m,
		`{"script":"x","lang":"cobol","num_nodes":1}`))
	require.Equal(t, ErrMalformedPayload, submitPayload(t, m,
		`{"lang":"python","num_nodes":1}`))
}

func TestMasterFailedJob(t *testing.T) {
	sim := newWorkerSim()
	sim.codes["w1"] = ErrFatalNode
	m := newTestMaster(t, sim, "w1")

	code := submitPayload(t, m, `{
		"script": "boom",
		"lang": "python",
		"num_nodes": 1,
		"max_failed_nodes": 0
	}`)
	require.Equal(t, ErrOK, code)

	waitFor(t, func() bool { return len(sim.sentTasks()) == 1 })
	jobID := sim.sentTasks()[0].req.ID
	waitFor(t, func() bool { return !m.reconciler.Live(jobID) })
}

func TestMasterCronSubmissionArmsOnly(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim, "w1")

	code := submitPayload(t, m, `{
		"name": "minutely",
		"script": "print(42)",
		"lang": "python",
		"num_nodes": 1,
		"cron": "* * * * *"
	}`)
	require.Equal(t, ErrOK, code)

	// the first push arms the schedule without running anything
	require.Equal(t, 0, m.queue.Len())
	require.Len(t, m.cron.JobsInfo(), 1)
	require.Empty(t, sim.sentTasks())

	// duplicate names are rejected while the first is active
	code = submitPayload(t, m, `{
		"name": "minutely",
		"script": "print(42)",
		"lang": "python",
		"num_nodes": 1,
		"cron": "* * * * *"
	}`)
	require.True(t, code.Failed())

	m.StopJob("minutely")
	require.Empty(t, m.cron.JobsInfo())
}

func TestMasterMetaJobSubmission(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim, "w1")

	code := submitPayload(t, m, `[
		{"name":"extract","group":"nightly","script":"a","lang":"python","num_nodes":1,"cron":"* * * * *"},
		{"name":"load","group":"nightly","script":"b","lang":"python","num_nodes":1,"cron":"* * * * *"}
	]`)
	require.Equal(t, ErrOK, code)

	infos := m.cron.JobsInfo()
	require.Len(t, infos, 1)
	require.Equal(t, "nightly", infos[0].JobName)
	require.True(t, infos[0].Meta)
}

func TestMasterCronFireRunsJob(t *testing.T) {
	sim := newWorkerSim()
	m := newTestMaster(t, sim, "w1")

	spec := everyMinuteSpec("refire")
	require.NoError(t, m.cron.PushJob(spec, false))
	deadline := m.cron.JobsInfo()[0].Deadline

	// drive the sweep by hand, like the 1s ticker would
	m.cron.checkTimeouts(deadline)

	waitFor(t, func() bool { return len(sim.sentTasks()) == 1 })
	// the fire re-armed the schedule for the next minute
	require.Len(t, m.cron.JobsInfo(), 1)
}
