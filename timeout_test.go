package prun

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutRecorder struct {
	mu         sync.Mutex
	queueFires []int64
	taskFires  []Task
}

func (r *timeoutRecorder) OnQueueTimeout(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueFires = append(r.queueFires, jobID)
}

func (r *timeoutRecorder) OnTaskTimeout(jobID int64, taskID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskFires = append(r.taskFires, Task{JobID: jobID, TaskID: taskID})
}

func TestTimeoutExpiry(t *testing.T) {
	rec := &timeoutRecorder{}
	m := NewTimeoutManager(rec)

	m.AddQueueTimeout(1, 10)
	m.AddTaskTimeout(2, 0, 20)

	m.checkTimeouts(time.Now().Add(5 * time.Second))
	require.Empty(t, rec.queueFires)
	require.Empty(t, rec.taskFires)

	m.checkTimeouts(time.Now().Add(15 * time.Second))
	require.Equal(t, []int64{1}, rec.queueFires)
	require.Empty(t, rec.taskFires)

	m.checkTimeouts(time.Now().Add(25 * time.Second))
	require.Equal(t, []int64{1}, rec.queueFires)
	require.Equal(t, []Task{{JobID: 2, TaskID: 0}}, rec.taskFires)
}

func TestTimeoutCancel(t *testing.T) {
	rec := &timeoutRecorder{}
	m := NewTimeoutManager(rec)

	e := m.AddTaskTimeout(1, 0, 1)
	require.NotNil(t, e)
	m.Cancel(e)
	m.checkTimeouts(time.Now().Add(time.Hour))
	require.Empty(t, rec.taskFires)

	// cancelling nil and cancelling twice are no-ops
	m.Cancel(nil)
	m.Cancel(e)
}

func TestTimeoutZeroNeverFires(t *testing.T) {
	rec := &timeoutRecorder{}
	m := NewTimeoutManager(rec)
	require.Nil(t, m.AddQueueTimeout(1, 0))
	require.Nil(t, m.AddTaskTimeout(1, 0, -5))
	m.checkTimeouts(time.Now().Add(time.Hour))
	require.Empty(t, rec.queueFires)
	require.Empty(t, rec.taskFires)
}

func TestTimeoutOrder(t *testing.T) {
	rec := &timeoutRecorder{}
	m := NewTimeoutManager(rec)
	m.AddQueueTimeout(2, 20)
	m.AddQueueTimeout(1, 10)
	m.AddQueueTimeout(3, 30)
	m.checkTimeouts(time.Now().Add(time.Hour))
	require.Equal(t, []int64{1, 2, 3}, rec.queueFires)
}
