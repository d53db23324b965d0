package prun

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/GermanZvezdin/prun/lib/container"
)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronJobInfo is a snapshot row of one active cron entry.
type CronJobInfo struct {
	JobName  string    `json:"name"`
	Deadline time.Time `json:"deadline"`
	Meta     bool      `json:"meta,omitempty"`
}

// cronHandler is a deferred submission keyed by a future deadline.
// Once removed is set the handler is a tombstone: it may still sit in
// the deadline heap but it never fires and is skipped on sweep.
type cronHandler struct {
	removed  bool
	jobName  string
	deadline time.Time
	specs    []*JobSpec
	sched    cron.Schedule

	// childNames are the named members of a meta handler.
	childNames []string
	meta       bool
}

// Submitter takes a re-fired job description back into the job
// manager. afterExecution marks submissions coming from a cron fire.
type Submitter interface {
	SubmitSpecs(specs []*JobSpec, afterExecution bool) error
}

// NameRegistry keeps active job names unique across the master.
type NameRegistry interface {
	RegisterJobName(name string) error
	ReleaseJobName(name string)
}

// CronManager re-enqueues recurring jobs and meta-jobs. Entries live
// in a deadline-ordered heap plus a name index; a sweep goroutine
// collects due entries every second and fires them outside the lock.
type CronManager struct {
	mu    sync.Mutex
	jobs  *container.UniqueHeap[*cronHandler]
	names map[string]*cronHandler

	submitter Submitter
	nameReg   NameRegistry
	log       zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCronManager creates a new CronManager.
func NewCronManager(submitter Submitter, nameReg NameRegistry, log zerolog.Logger) *CronManager {
	return &CronManager{
		jobs: container.NewUniqueHeap[*cronHandler](func(i, j *cronHandler) bool {
			return i.deadline.Before(j.deadline)
		}),
		names:     make(map[string]*cronHandler),
		submitter: submitter,
		nameReg:   nameReg,
		log:       log.With().Str("comp", "cron").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the deadline sweep until Stop.
func (m *CronManager) Start() {
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

// Stop halts the sweep. Entries stay registered until StopAllJobs.
func (m *CronManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// checkTimeouts collects all due, non-tombstoned handlers, drops them
// from both indexes, then fires them outside the lock.
func (m *CronManager) checkTimeouts(now time.Time) {
	var ready []*cronHandler

	m.mu.Lock()
	for {
		h, ok := m.jobs.Peek()
		if !ok || now.Before(h.deadline) {
			// skip later planned jobs
			break
		}
		m.jobs.Pop()
		if !h.removed {
			ready = append(ready, h)
			delete(m.names, h.jobName)
		}
	}
	m.mu.Unlock()

	for _, h := range ready {
		m.handleTimeout(h)
	}
}

// handleTimeout re-submits the handler's job description with
// afterExecution set, which re-arms the schedule as a side effect.
func (m *CronManager) handleTimeout(h *cronHandler) {
	m.log.Info().Str("job", h.jobName).Msg("cron fired")
	if err := m.submitter.SubmitSpecs(h.specs, true); err != nil {
		m.log.Error().Err(err).Str("job", h.jobName).Msg("cron re-submission failed")
	}
}

// deadline computes the next fire time. A deadline that has already
// passed after an execution is advanced by a minute, so an expression
// that just fired doesn't loop tightly.
func deadline(sched cron.Schedule, now time.Time, afterExecution bool) time.Time {
	d := sched.Next(now)
	if afterExecution && !d.After(now) {
		d = d.Add(time.Minute)
	}
	return d
}

// PushJob schedules a recurring job. The first push registers the
// job's name; pushes with afterExecution set come from handleTimeout
// and keep the name registered.
func (m *CronManager) PushJob(spec *JobSpec, afterExecution bool) error {
	if spec.Name == "" {
		return fmt.Errorf("cron job without a name")
	}
	sched, err := cronParser.Parse(spec.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", spec.Cron, err)
	}
	if !afterExecution {
		if err := m.nameReg.RegisterJobName(spec.Name); err != nil {
			return err
		}
	}
	h := &cronHandler{
		jobName:  spec.Name,
		deadline: deadline(sched, time.Now(), afterExecution),
		specs:    []*JobSpec{spec},
		sched:    sched,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs.Push(h)
	m.names[spec.Name] = h
	return nil
}

// PushMetaJob schedules a named group of jobs sharing one schedule.
// Each named member is registered with the name service as well.
func (m *CronManager) PushMetaJob(group *JobGroup, afterExecution bool) error {
	if group.Name == "" {
		return fmt.Errorf("meta job without a name")
	}
	sched, err := cronParser.Parse(group.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", group.Cron, err)
	}
	h := &cronHandler{
		jobName:  group.Name,
		deadline: deadline(sched, time.Now(), afterExecution),
		specs:    group.Specs,
		sched:    sched,
		meta:     true,
	}
	for _, spec := range group.Specs {
		if spec.Name != "" && spec.Name != group.Name {
			h.childNames = append(h.childNames, spec.Name)
		}
	}
	if !afterExecution {
		if err := m.nameReg.RegisterJobName(group.Name); err != nil {
			return err
		}
		for _, name := range h.childNames {
			if err := m.nameReg.RegisterJobName(name); err != nil {
				m.releaseNames(h)
				return err
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs.Push(h)
	m.names[group.Name] = h
	return nil
}

// StopJob tombstones the named handler and releases its names.
func (m *CronManager) StopJob(jobName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.names[jobName]
	if !ok {
		return
	}
	m.releaseJob(h)
	delete(m.names, jobName)
}

// StopAllJobs tombstones every handler and clears both indexes.
func (m *CronManager) StopAllJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.names {
		m.releaseJob(h)
	}
	for {
		if _, ok := m.jobs.Pop(); !ok {
			break
		}
	}
	m.names = make(map[string]*cronHandler)
}

// releaseJob tombstones a handler and gives its names back.
// Callers hold the lock.
func (m *CronManager) releaseJob(h *cronHandler) {
	h.removed = true
	m.releaseNames(h)
}

func (m *CronManager) releaseNames(h *cronHandler) {
	for _, name := range h.childNames {
		m.nameReg.ReleaseJobName(name)
	}
	m.nameReg.ReleaseJobName(h.jobName)
}

// CronVisitor inspects the active entries while the manager holds its
// lock; snapshotting is the visitor's concern.
type CronVisitor interface {
	Visit(infos []CronJobInfo)
}

// Accept presents the active entries to the visitor under the lock.
func (m *CronManager) Accept(v CronVisitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Visit(m.jobsInfoLocked())
}

// JobsInfo snapshots the active entries for the admin surface.
func (m *CronManager) JobsInfo() []CronJobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobsInfoLocked()
}

func (m *CronManager) jobsInfoLocked() []CronJobInfo {
	infos := make([]CronJobInfo, 0, len(m.names))
	for _, h := range m.names {
		if h.removed {
			continue
		}
		infos = append(infos, CronJobInfo{
			JobName:  h.jobName,
			Deadline: h.deadline,
			Meta:     h.meta,
		})
	}
	return infos
}
