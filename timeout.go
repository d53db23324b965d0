package prun

import (
	"sync"
	"time"

	"github.com/GermanZvezdin/prun/lib/container"
)

// timeoutKind separates the two timer streams sharing one wheel.
type timeoutKind int

const (
	queueTimeout = timeoutKind(iota)
	taskTimeout
)

// TimeoutEntry is one armed wall-clock watcher. The zero TaskID is
// meaningful only for task timeouts.
type TimeoutEntry struct {
	kind     timeoutKind
	deadline time.Time
	jobID    int64
	taskID   int
}

// TimeoutObserver receives expirations. Both kinds feed the
// reconciler as failures.
type TimeoutObserver interface {
	OnQueueTimeout(jobID int64)
	OnTaskTimeout(jobID int64, taskID int)
}

// TimeoutManager drives queue-timeout and task-timeout watchers off a
// single monotonic wheel swept every second; accuracy is within a
// second either way.
type TimeoutManager struct {
	mu      sync.Mutex
	entries *container.UniqueHeap[*TimeoutEntry]

	obs TimeoutObserver

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTimeoutManager creates a new TimeoutManager.
func NewTimeoutManager(obs TimeoutObserver) *TimeoutManager {
	return &TimeoutManager{
		entries: container.NewUniqueHeap[*TimeoutEntry](func(i, j *TimeoutEntry) bool {
			return i.deadline.Before(j.deadline)
		}),
		obs:    obs,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep until Stop.
func (m *TimeoutManager) Start() {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case now := <-tick.C:
				m.checkTimeouts(now)
			}
		}
	}()
}

// Stop halts the sweep.
func (m *TimeoutManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// AddQueueTimeout arms the admission-to-start watcher for a job.
// A non-positive timeout never fires and returns nil.
func (m *TimeoutManager) AddQueueTimeout(jobID int64, seconds int) *TimeoutEntry {
	if seconds <= 0 {
		return nil
	}
	e := &TimeoutEntry{
		kind:     queueTimeout,
		deadline: time.Now().Add(time.Duration(seconds) * time.Second),
		jobID:    jobID,
	}
	m.add(e)
	return e
}

// AddTaskTimeout arms the dispatch-to-reconcile watcher for a task.
// A non-positive timeout never fires and returns nil.
func (m *TimeoutManager) AddTaskTimeout(jobID int64, taskID, seconds int) *TimeoutEntry {
	if seconds <= 0 {
		return nil
	}
	e := &TimeoutEntry{
		kind:     taskTimeout,
		deadline: time.Now().Add(time.Duration(seconds) * time.Second),
		jobID:    jobID,
		taskID:   taskID,
	}
	m.add(e)
	return e
}

// Cancel disarms an entry. Cancelling nil or an expired entry is a
// no-op.
func (m *TimeoutManager) Cancel(e *TimeoutEntry) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(e)
}

func (m *TimeoutManager) add(e *TimeoutEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Push(e)
}

// checkTimeouts pops every due entry and reports it outside the lock.
func (m *TimeoutManager) checkTimeouts(now time.Time) {
	var due []*TimeoutEntry

	m.mu.Lock()
	for {
		e, ok := m.entries.Peek()
		if !ok || now.Before(e.deadline) {
			break
		}
		m.entries.Pop()
		due = append(due, e)
	}
	m.mu.Unlock()

	for _, e := range due {
		switch e.kind {
		case queueTimeout:
			m.obs.OnQueueTimeout(e.jobID)
		case taskTimeout:
			m.obs.OnTaskTimeout(e.jobID, e.taskID)
		}
	}
}
