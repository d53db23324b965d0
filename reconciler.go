package prun

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GermanZvezdin/prun/history"
	"github.com/GermanZvezdin/prun/lib/shm"
)

// TaskRun summarizes one attempt for the job's terminal summary and
// the history store.
type TaskRun struct {
	TaskID  int    `json:"task_id"`
	Attempt string `json:"attempt"`
	Worker  string `json:"worker,omitempty"`
	Err     int    `json:"err"`
}

// JobSummary is the textual result handed to the job callback on a
// terminal outcome.
type JobSummary struct {
	JobID   int64     `json:"jobId"`
	Outcome string    `json:"outcome"`
	Err     int       `json:"err"`
	PerTask []TaskRun `json:"perTask"`
}

// taskKey identifies one logical task for idempotence. Completions
// are reconciled at most once per outstanding attempt; duplicates and
// strays after a terminal outcome are dropped.
type taskKey struct {
	jobID  int64
	taskID int
}

// jobState is the reconciler's mutable bookkeeping for one live job.
type jobState struct {
	job      *Job
	executed int
	failed   int

	// outstanding maps a task to its current attempt id. A result
	// for an attempt no longer outstanding is a duplicate.
	outstanding map[taskKey]string

	// reconciled tasks that already counted toward executed.
	reconciled map[taskKey]bool

	dispatched map[taskKey]time.Time

	perTask []TaskRun

	queueEntry *TimeoutEntry
	taskEntry  map[taskKey]*TimeoutEntry
}

// Retrier re-enqueues one task for another attempt and forgets the
// pending tasks of finished jobs. The job sender implements it.
type Retrier interface {
	Requeue(job *Job, taskID int)
	Drop(job *Job)
}

// Reconciler counts per-job successes and failures and decides
// terminal outcomes. Counters mutate under its mutex; callbacks and
// history writes run outside.
type Reconciler struct {
	mu     sync.Mutex
	states map[int64]*jobState

	retrier  Retrier
	timeouts *TimeoutManager
	cron     *CronManager
	queue    *JobQueue
	hist     history.Store
	pool     *shm.Pool
	registry *WorkerRegistry
	metrics  *Metrics
	log      zerolog.Logger

	stopped bool
}

// NewReconciler creates a new Reconciler. The timeout manager is
// attached afterward with SetTimeouts since the two observe each
// other.
func NewReconciler(queue *JobQueue, hist history.Store, pool *shm.Pool, registry *WorkerRegistry,
	metrics *Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		states:   make(map[int64]*jobState),
		queue:    queue,
		hist:     hist,
		pool:     pool,
		registry: registry,
		metrics:  metrics,
		log:      log.With().Str("comp", "reconciler").Logger(),
	}
}

// SetRetrier attaches the job sender.
func (r *Reconciler) SetRetrier(ret Retrier) { r.retrier = ret }

// SetTimeouts attaches the timeout manager.
func (r *Reconciler) SetTimeouts(t *TimeoutManager) { r.timeouts = t }

// SetCron attaches the cron manager for reschedule decisions.
func (r *Reconciler) SetCron(c *CronManager) { r.cron = c }

// Stop makes the reconciler drop every completion that arrives later.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// Track begins bookkeeping for a job entering the queue: its history
// record and its queue timeout.
func (r *Reconciler) Track(j *Job) {
	r.mu.Lock()
	st := &jobState{
		job:         j,
		outstanding: make(map[taskKey]string),
		reconciled:  make(map[taskKey]bool),
		dispatched:  make(map[taskKey]time.Time),
		taskEntry:   make(map[taskKey]*TimeoutEntry),
	}
	r.states[j.ID()] = st
	r.mu.Unlock()

	if r.timeouts != nil {
		e := r.timeouts.AddQueueTimeout(j.ID(), j.QueueTimeout())
		r.mu.Lock()
		st.queueEntry = e
		r.mu.Unlock()
	}
	if r.hist != nil {
		rec, err := json.Marshal(j)
		if err == nil {
			if err := r.hist.Put(j.ID(), string(rec)); err != nil {
				r.log.Error().Err(err).Int64("job", j.ID()).Msg("history put failed")
			}
		}
	}
}

// OnTaskDispatched records the outstanding attempt and arms its task
// timeout. The first dispatch of a job also disarms its queue
// timeout: the job has started.
func (r *Reconciler) OnTaskDispatched(j *Job, taskID int, attempt string) {
	k := taskKey{jobID: j.ID(), taskID: taskID}
	r.mu.Lock()
	st, ok := r.states[j.ID()]
	if !ok || r.stopped {
		r.mu.Unlock()
		return
	}
	st.outstanding[k] = attempt
	st.dispatched[k] = time.Now()
	queueEntry := st.queueEntry
	st.queueEntry = nil
	r.mu.Unlock()

	r.timeouts.Cancel(queueEntry)
	if e := r.timeouts.AddTaskTimeout(j.ID(), taskID, j.TaskTimeout()); e != nil {
		r.mu.Lock()
		if st, ok := r.states[j.ID()]; ok {
			st.taskEntry[k] = e
		}
		r.mu.Unlock()
	}
}

// OnTaskResult reconciles one completed attempt.
func (r *Reconciler) OnTaskResult(j *Job, taskID int, worker *Worker, code ErrCode, attempt string) {
	host := ""
	if worker != nil {
		host = worker.Host()
	}
	r.reconcile(j.ID(), taskID, host, code, attempt)
}

// OnQueueTimeout fails the whole job: it sat in the queue past its
// admission-to-start bound.
func (r *Reconciler) OnQueueTimeout(jobID int64) {
	r.mu.Lock()
	st, ok := r.states[jobID]
	if !ok || r.stopped {
		r.mu.Unlock()
		return
	}
	job := st.job
	delete(r.states, jobID)
	summary := terminalSummary(st, "failed", ErrQueueTimeout)
	r.mu.Unlock()

	r.log.Warn().Int64("job", jobID).Msg("queue timeout")
	r.finish(job, st, summary, false)
}

// OnTaskTimeout counts an unreconciled dispatched task as failed.
func (r *Reconciler) OnTaskTimeout(jobID int64, taskID int) {
	r.mu.Lock()
	st, ok := r.states[jobID]
	if !ok || r.stopped {
		r.mu.Unlock()
		return
	}
	k := taskKey{jobID: jobID, taskID: taskID}
	attempt, ok := st.outstanding[k]
	r.mu.Unlock()
	if !ok {
		// already reconciled
		return
	}
	r.reconcile(jobID, taskID, "", ErrTaskTimeout, attempt)
}

// reconcile applies one outcome to the job's counters and decides
// whether the job is done, failed, retried or still in flight.
func (r *Reconciler) reconcile(jobID int64, taskID int, host string, code ErrCode, attempt string) {
	k := taskKey{jobID: jobID, taskID: taskID}

	r.mu.Lock()
	st, ok := r.states[jobID]
	if !ok || r.stopped {
		r.mu.Unlock()
		return
	}
	current, outstanding := st.outstanding[k]
	if !outstanding || current != attempt || st.reconciled[k] {
		// duplicate or stray completion, at-least-once delivery
		r.mu.Unlock()
		return
	}
	delete(st.outstanding, k)
	if e := st.taskEntry[k]; e != nil {
		defer r.timeouts.Cancel(e)
		delete(st.taskEntry, k)
	}
	if t0, ok := st.dispatched[k]; ok {
		r.metrics.TaskDuration.Observe(time.Since(t0).Seconds())
		delete(st.dispatched, k)
	}
	st.perTask = append(st.perTask, TaskRun{
		TaskID:  taskID,
		Attempt: attempt,
		Worker:  host,
		Err:     int(code),
	})

	job := st.job
	if !code.Failed() {
		r.metrics.TasksSucceeded.Inc()
		st.reconciled[k] = true
		st.executed++
		if st.executed == job.NumNodes() {
			delete(r.states, jobID)
			summary := terminalSummary(st, "done", ErrOK)
			r.mu.Unlock()
			r.finish(job, st, summary, true)
			return
		}
		r.mu.Unlock()
		return
	}

	r.metrics.TasksFailed.Inc()
	if code == ErrWorkerUnreachable && r.registry != nil && r.registry.NumAvail() > 0 {
		// a transport failure counts against the worker, not the
		// job's budget, as long as a replacement exists
		r.mu.Unlock()
		r.retrier.Requeue(job, taskID)
		return
	}
	st.failed++
	if st.failed > job.MaxFailedNodes() {
		delete(r.states, jobID)
		summary := terminalSummary(st, "failed", ErrRetriesExhausted)
		r.mu.Unlock()
		r.log.Warn().Int64("job", jobID).Int("failed", st.failed).Msg("retries exhausted")
		r.finish(job, st, summary, false)
		return
	}
	r.mu.Unlock()
	r.retrier.Requeue(job, taskID)
}

// terminalSummary builds the callback summary. Callers hold the lock.
func terminalSummary(st *jobState, outcome string, code ErrCode) string {
	s := JobSummary{
		JobID:   st.job.ID(),
		Outcome: outcome,
		Err:     int(code),
		PerTask: st.perTask,
	}
	if s.PerTask == nil {
		s.PerTask = []TaskRun{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf(`{"jobId":%d,"outcome":%q,"err":%d}`, st.job.ID(), outcome, int(code))
	}
	return string(b)
}

// finish releases everything a terminal job held and runs its
// callback. No locks are held here.
func (r *Reconciler) finish(job *Job, st *jobState, summary string, done bool) {
	if done {
		r.metrics.JobsDone.Inc()
	} else {
		r.metrics.JobsFailed.Inc()
	}
	r.queue.Delete(job.ID())
	r.retrier.Drop(job)
	for _, e := range st.taskEntry {
		r.timeouts.Cancel(e)
	}
	r.timeouts.Cancel(st.queueEntry)
	if r.pool != nil {
		r.pool.Release(job.ID())
	}
	if r.hist != nil {
		if err := r.hist.Delete(job.ID()); err != nil {
			r.log.Error().Err(err).Int64("job", job.ID()).Msg("history delete failed")
		}
	}
	if !done && job.NoReschedule() && r.cron != nil {
		// a failed NO_RESCHEDULE job must not be re-armed; a meta-job
		// member's cron handler is its group's
		name := job.Name()
		if job.Group() != "" {
			name = job.Group()
		}
		if name != "" {
			r.cron.StopJob(name)
		}
	}
	outcome := "done"
	if !done {
		outcome = "failed"
	}
	r.log.Info().Int64("job", job.ID()).Str("outcome", outcome).Msg("job finished")
	job.RunCallback(summary)
}

// Live reports whether the job still has reconciler state.
func (r *Reconciler) Live(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[jobID]
	return ok
}

// Counts returns the executed and failed counters of a live job.
func (r *Reconciler) Counts(jobID int64) (executed, failed int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[jobID]
	if !ok {
		return 0, 0, false
	}
	return st.executed, st.failed, true
}
