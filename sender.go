package prun

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/GermanZvezdin/prun/lib/container"
)

// dispatch is one (job, taskId) pair waiting for a worker.
type dispatch struct {
	job    *Job
	taskID int
}

// Transport carries one task to one worker and brings its result
// back. A nil error with a non-zero code means the worker answered
// with a failure; a non-nil error means the worker never answered.
type Transport interface {
	SendTask(host string, req TaskRequest) (ErrCode, error)
	Ping(host string) error
}

// ResultObserver receives dispatch lifecycle events from the sender.
type ResultObserver interface {
	// OnTaskDispatched fires just before the task goes on the wire.
	OnTaskDispatched(job *Job, taskID int, attempt string)

	// OnTaskResult fires once the send round trip finished, either
	// with the worker's code or with ErrWorkerUnreachable.
	OnTaskResult(job *Job, taskID int, worker *Worker, code ErrCode, attempt string)
}

// JobSender matches queued jobs with available workers and transmits
// their tasks. Concurrent sends are capped by a weighted semaphore.
type JobSender struct {
	queue     *JobQueue
	registry  *WorkerRegistry
	transport Transport
	obs       ResultObserver

	sem *semaphore.Weighted

	mu    sync.Mutex
	tasks *container.UniqueQueue[dispatch]

	wakeCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	log     zerolog.Logger
	metrics *Metrics
}

// NewJobSender creates a new JobSender.
// maxSimultSendingJobs caps concurrent dispatches.
func NewJobSender(queue *JobQueue, registry *WorkerRegistry, transport Transport,
	obs ResultObserver, maxSimultSendingJobs int, metrics *Metrics, log zerolog.Logger) *JobSender {
	if maxSimultSendingJobs <= 0 {
		maxSimultSendingJobs = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobSender{
		queue:     queue,
		registry:  registry,
		transport: transport,
		obs:       obs,
		sem:       semaphore.NewWeighted(int64(maxSimultSendingJobs)),
		tasks:     container.NewUniqueQueue[dispatch](),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With().Str("comp", "sender").Logger(),
		metrics:   metrics,
	}
}

// Start runs the dispatch loop until Stop.
func (s *JobSender) Start() {
	go s.run()
}

// Stop halts the loop and unblocks in-flight semaphore waits.
// Completions arriving after Stop are the reconciler's to drop.
func (s *JobSender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
}

// Wake nudges the dispatch loop; called on every queue push.
func (s *JobSender) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Requeue schedules a retry of one task, typically on a fresh worker.
func (s *JobSender) Requeue(job *Job, taskID int) {
	s.mu.Lock()
	s.tasks.Push(dispatch{job: job, taskID: taskID})
	s.mu.Unlock()
	s.Wake()
}

// Drop forgets every pending task of a job that reached a terminal
// outcome. In-flight sends are not interrupted; their completions are
// dropped by the reconciler.
func (s *JobSender) Drop(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < job.NumNodes(); i++ {
		s.tasks.Remove(dispatch{job: job, taskID: i})
	}
}

func (s *JobSender) run() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-s.registry.ReadyCh:
		case <-tick.C:
		}
		s.dispatchReady()
	}
}

// dispatchReady pairs pending tasks with available workers until one
// of the two runs dry.
func (s *JobSender) dispatchReady() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.expandJobs()
		s.mu.Lock()
		d, ok := s.tasks.Pop()
		s.mu.Unlock()
		if !ok {
			return
		}
		w := s.registry.Select()
		if w == nil {
			// no worker right now, keep the task for the next wake
			s.mu.Lock()
			s.tasks.Push(d)
			s.mu.Unlock()
			return
		}
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.registry.Assign(w)
		go s.send(d, w)
	}
}

// expandJobs partitions newly queued jobs into per-node tasks.
func (s *JobSender) expandJobs() {
	for {
		j := s.queue.Pop()
		if j == nil {
			return
		}
		s.mu.Lock()
		for i := 0; i < j.NumNodes(); i++ {
			s.tasks.Push(dispatch{job: j, taskID: i})
		}
		s.mu.Unlock()
	}
}

func (s *JobSender) send(d dispatch, w *Worker) {
	defer s.sem.Release(1)
	defer s.registry.Release(w)

	attempt := xid.New().String()
	req := TaskRequest{
		ID:       d.job.ID(),
		Len:      d.job.ScriptLen(),
		Lang:     string(d.job.Lang()),
		TaskID:   d.taskID,
		NumTasks: d.job.NumNodes(),
		Timeout:  d.job.TaskTimeout(),
	}
	s.obs.OnTaskDispatched(d.job, d.taskID, attempt)
	s.metrics.TasksDispatched.Inc()

	code, err := s.transport.SendTask(w.Host(), req)
	if err != nil {
		s.log.Warn().Err(err).
			Int64("job", d.job.ID()).Int("task", d.taskID).
			Str("worker", w.Host()).Msg("worker unreachable")
		s.registry.OnPingFailure(w.Host())
		code = ErrWorkerUnreachable
	}
	s.obs.OnTaskResult(d.job, d.taskID, w, code, attempt)
}

// TCPTransport speaks the framed JSON protocol to worker daemons.
type TCPTransport struct {
	// Port is the worker listen port.
	Port int

	// DialTimeout bounds connection setup.
	DialTimeout time.Duration

	// BufSize sets the connection write buffer when positive.
	BufSize int
}

// SendTask opens a connection, writes the framed request and reads
// the framed {err} response back.
func (t *TCPTransport) SendTask(host string, req TaskRequest) (ErrCode, error) {
	conn, err := t.dial(host)
	if err != nil {
		return ErrWorkerUnreachable, err
	}
	defer conn.Close()

	// Give the worker the task timeout plus slack to answer.
	wait := time.Duration(req.Timeout)*time.Second + 10*time.Second
	if req.Timeout <= 0 {
		wait = time.Hour
	}
	conn.SetDeadline(time.Now().Add(wait))

	payload, err := json.Marshal(req)
	if err != nil {
		return ErrFatalNode, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return ErrWorkerUnreachable, err
	}
	respPayload, err := ReadFrame(conn)
	if err != nil {
		return ErrWorkerUnreachable, err
	}
	var resp Response
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return ErrMalformedPayload, nil
	}
	return ErrCode(resp.Err), nil
}

// Ping checks a worker is alive with a framed {"ping":1} probe, which
// the worker answers without running anything.
func (t *TCPTransport) Ping(host string) error {
	conn, err := t.dial(host)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := WriteFrame(conn, []byte(`{"ping":1}`)); err != nil {
		return err
	}
	if _, err := ReadFrame(conn); err != nil {
		return err
	}
	return nil
}

func (t *TCPTransport) dial(host string) (net.Conn, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial worker %v: %w", addr, err)
	}
	if t.BufSize > 0 {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetWriteBuffer(t.BufSize)
		}
	}
	return conn, nil
}
