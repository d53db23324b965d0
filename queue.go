package prun

import (
	"fmt"
	"sync"
)

// JobQueue is the master's run queue: FIFO by push order with O(1)
// lookup by job id. All operations serialize on one mutex.
//
// Deleted jobs leave the id index right away but their list nodes are
// cleaned lazily when Pop or Top walks over them. The index is the
// source of truth: a job is live iff it is in idToJob.
type JobQueue struct {
	mu      sync.Mutex
	first   *jobNode
	last    *jobNode
	idToJob map[int64]*Job
}

type jobNode struct {
	job  *Job
	next *jobNode
}

// NewJobQueue creates a new JobQueue.
func NewJobQueue() *JobQueue {
	return &JobQueue{
		idToJob: make(map[int64]*Job),
	}
}

// Push appends a job to the queue tail and registers it in the id
// index. Pushing a live id twice is an error.
func (q *JobQueue) Push(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.idToJob[j.ID()]; ok {
		return fmt.Errorf("job already queued: %v", j.ID())
	}
	q.idToJob[j.ID()] = j
	node := &jobNode{job: j}
	if q.first == nil {
		q.first = node
	} else {
		q.last.next = node
	}
	q.last = node
	return nil
}

// Pop removes and returns the queue head.
// It returns nil when the queue is empty.
func (q *JobQueue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.first != nil {
		j := q.first.job
		q.first = q.first.next
		if q.first == nil {
			q.last = nil
		}
		if _, ok := q.idToJob[j.ID()]; !ok {
			// deleted while queued
			continue
		}
		delete(q.idToJob, j.ID())
		return j
	}
	return nil
}

// Top inspects the queue head without removing it, so a caller can
// peek before reserving a worker. It returns nil when the queue is
// empty.
func (q *JobQueue) Top() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.first != nil {
		j := q.first.job
		if _, ok := q.idToJob[j.ID()]; ok {
			return j
		}
		q.first = q.first.next
		if q.first == nil {
			q.last = nil
		}
	}
	return nil
}

// Get returns a queued job by id, or nil.
func (q *JobQueue) Get(id int64) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idToJob[id]
}

// Delete removes a job from the queue by id.
// It reports whether the job was queued.
func (q *JobQueue) Delete(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.idToJob[id]
	delete(q.idToJob, id)
	return ok
}

// Clear empties the queue. When doDelete is false the queued jobs are
// returned to the caller instead of being dropped.
func (q *JobQueue) Clear(doDelete bool) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var jobs []*Job
	if !doDelete {
		for n := q.first; n != nil; n = n.next {
			if _, ok := q.idToJob[n.job.ID()]; ok {
				jobs = append(jobs, n.job)
			}
		}
	}
	q.first = nil
	q.last = nil
	q.idToJob = make(map[int64]*Job)
	return jobs
}

// Len is the number of live jobs in the queue.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idToJob)
}

// Jobs snapshots the live jobs in push order.
func (q *JobQueue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*Job, 0, len(q.idToJob))
	for n := q.first; n != nil; n = n.next {
		if _, ok := q.idToJob[n.job.ID()]; ok {
			jobs = append(jobs, n.job)
		}
	}
	return jobs
}
