package prun

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls [][]*JobSpec
	after []bool
}

func (s *fakeSubmitter) SubmitSpecs(specs []*JobSpec, afterExecution bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, specs)
	s.after = append(s.after, afterExecution)
	return nil
}

type fakeNames struct {
	mu    sync.Mutex
	names map[string]bool
}

func newFakeNames() *fakeNames {
	return &fakeNames{names: make(map[string]bool)}
}

func (n *fakeNames) RegisterJobName(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[name] = true
	return nil
}

func (n *fakeNames) ReleaseJobName(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.names, name)
}

func newTestCron(t *testing.T) (*CronManager, *fakeSubmitter, *fakeNames) {
	t.Helper()
	sub := &fakeSubmitter{}
	names := newFakeNames()
	return NewCronManager(sub, names, zerolog.Nop()), sub, names
}

func everyMinuteSpec(name string) *JobSpec {
	return &JobSpec{
		Name:     name,
		Script:   "print(42)",
		Lang:     "python",
		NumNodes: 1,
		Cron:     "* * * * *",
	}
}

func TestCronFire(t *testing.T) {
	m, sub, names := newTestCron(t)
	spec := everyMinuteSpec("minutely")
	require.NoError(t, m.PushJob(spec, false))
	require.True(t, names.names["minutely"])

	infos := m.JobsInfo()
	require.Len(t, infos, 1)
	deadline := infos[0].Deadline

	// before the deadline nothing is ready
	m.checkTimeouts(deadline.Add(-time.Second))
	require.Empty(t, sub.calls)

	// at the deadline the handler fires exactly once
	m.checkTimeouts(deadline)
	require.Len(t, sub.calls, 1)
	require.Equal(t, spec, sub.calls[0][0])
	require.True(t, sub.after[0])

	// a fired handler leaves both indexes
	require.Empty(t, m.JobsInfo())
	m.checkTimeouts(deadline.Add(time.Minute))
	require.Len(t, sub.calls, 1)

	// the re-submission re-arms the schedule
	require.NoError(t, m.PushJob(spec, true))
	require.Len(t, m.JobsInfo(), 1)
}

func TestCronStopJobTombstone(t *testing.T) {
	m, sub, names := newTestCron(t)
	spec := everyMinuteSpec("doomed")
	require.NoError(t, m.PushJob(spec, false))
	deadline := m.JobsInfo()[0].Deadline

	m.StopJob("doomed")
	require.False(t, names.names["doomed"])
	require.Empty(t, m.JobsInfo())

	// a tombstoned handler must never fire
	m.checkTimeouts(deadline.Add(time.Hour))
	require.Empty(t, sub.calls)

	// stopping twice is harmless
	m.StopJob("doomed")
}

func TestCronStopAllJobs(t *testing.T) {
	m, sub, names := newTestCron(t)
	require.NoError(t, m.PushJob(everyMinuteSpec("a"), false))
	require.NoError(t, m.PushJob(everyMinuteSpec("b"), false))

	m.StopAllJobs()
	require.Empty(t, m.JobsInfo())
	require.Empty(t, names.names)
	require.Equal(t, 0, m.jobs.Len())

	m.checkTimeouts(time.Now().Add(time.Hour))
	require.Empty(t, sub.calls)
}

func TestCronMetaJob(t *testing.T) {
	m, sub, names := newTestCron(t)
	group := &JobGroup{
		Name: "nightly",
		Cron: "* * * * *",
		Specs: []*JobSpec{
			{Name: "extract", Script: "a", Lang: "python", NumNodes: 1, Cron: "* * * * *"},
			{Name: "load", Script: "b", Lang: "python", NumNodes: 1, Cron: "* * * * *"},
		},
	}
	require.NoError(t, m.PushMetaJob(group, false))
	require.True(t, names.names["nightly"])
	require.True(t, names.names["extract"])
	require.True(t, names.names["load"])

	deadline := m.JobsInfo()[0].Deadline
	m.checkTimeouts(deadline)
	require.Len(t, sub.calls, 1)
	require.Len(t, sub.calls[0], 2)

	// stopping the group releases the member names too
	require.NoError(t, m.PushMetaJob(group, true))
	m.StopJob("nightly")
	require.False(t, names.names["extract"])
	require.False(t, names.names["load"])
}

// pastSchedule always plans in the past, like an expression that has
// already fired.
type pastSchedule struct{ at time.Time }

func (s pastSchedule) Next(time.Time) time.Time { return s.at }

func TestCronDeadlineAfterExecution(t *testing.T) {
	now := time.Now()
	sched := pastSchedule{at: now.Add(-time.Second)}

	// after an execution a stale deadline advances a minute,
	// preventing a tight re-fire loop
	d := deadline(sched, now, true)
	require.Equal(t, now.Add(-time.Second).Add(time.Minute), d)

	// the first push keeps whatever the schedule planned
	d = deadline(sched, now, false)
	require.Equal(t, now.Add(-time.Second), d)
}

type infoCollector struct {
	infos []CronJobInfo
}

func (c *infoCollector) Visit(infos []CronJobInfo) {
	c.infos = append([]CronJobInfo{}, infos...)
}

func TestCronAccept(t *testing.T) {
	m, _, _ := newTestCron(t)
	require.NoError(t, m.PushJob(everyMinuteSpec("visited"), false))

	c := &infoCollector{}
	m.Accept(c)
	require.Len(t, c.infos, 1)
	require.Equal(t, "visited", c.infos[0].JobName)
}

func TestCronBadExpression(t *testing.T) {
	m, _, _ := newTestCron(t)
	spec := everyMinuteSpec("broken")
	spec.Cron = "not a cron"
	require.Error(t, m.PushJob(spec, false))
}
