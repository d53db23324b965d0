package prun

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/GermanZvezdin/prun/history"
	"github.com/GermanZvezdin/prun/lib/shm"
)

// MasterOptions parameterize a Master. Zero values fall back to the
// defaults below.
type MasterOptions struct {
	// Addr is the admission listen address.
	Addr string

	// AdminAddr serves the HTTP admin surface and /metrics.
	AdminAddr string

	// WorkerPort is the dispatch port every worker listens on.
	WorkerPort int

	// ExeDir resolves script_ref paths.
	ExeDir string

	SendBufSize          int
	MaxSimultSendingJobs int

	ShmemPath  string
	ShmemSlots int

	// WorkerCapacity is how many tasks one worker runs at once,
	// usually its thread count.
	WorkerCapacity int

	MaxPingFails int
	PingInterval time.Duration

	Hosts   []string
	History history.Config

	// Transport overrides the framed TCP transport, mostly for
	// tests.
	Transport Transport
}

const (
	DefaultPort      = 5555
	DefaultAdminAddr = ":8282"
)

// Master is the job lifecycle engine: it admits job descriptions,
// partitions them into tasks, dispatches them across the fleet and
// reconciles the outcomes.
type Master struct {
	opts MasterOptions

	queue      *JobQueue
	registry   *WorkerRegistry
	cron       *CronManager
	timeouts   *TimeoutManager
	sender     *JobSender
	reconciler *Reconciler
	pool       *shm.Pool
	hist       history.Store
	metrics    *Metrics
	promReg    *prometheus.Registry
	transport  Transport

	// jobNames keeps active job names unique.
	namesMu  sync.Mutex
	jobNames map[string]bool

	ln    net.Listener
	admin *http.Server

	stopOnce sync.Once
	stopCh   chan struct{}

	log zerolog.Logger
}

// NewMaster wires the engine together. Components receive their
// collaborators explicitly; there are no process-wide singletons.
func NewMaster(opts MasterOptions, log zerolog.Logger) (*Master, error) {
	if opts.Addr == "" {
		opts.Addr = ":" + strconv.Itoa(DefaultPort)
	}
	if opts.AdminAddr == "" {
		opts.AdminAddr = DefaultAdminAddr
	}
	if opts.WorkerPort == 0 {
		opts.WorkerPort = DefaultPort
	}
	if opts.ShmemPath == "" {
		opts.ShmemPath = shm.DefaultPath(shm.DefaultName)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.MaxSimultSendingJobs <= 0 {
		opts.MaxSimultSendingJobs = 32
	}

	hist, err := history.Open(opts.History)
	if err != nil {
		return nil, err
	}
	pool, err := shm.Create(opts.ShmemPath, opts.ShmemSlots)
	if err != nil {
		return nil, err
	}

	m := &Master{
		opts:     opts,
		queue:    NewJobQueue(),
		pool:     pool,
		hist:     hist,
		jobNames: make(map[string]bool),
		stopCh:   make(chan struct{}),
		log:      log.With().Str("comp", "master").Logger(),
	}
	m.registry = NewWorkerRegistry(opts.Hosts, opts.WorkerCapacity, opts.MaxPingFails, log)
	m.promReg = prometheus.NewRegistry()
	m.metrics = NewMetrics(m.promReg, m.queue, m.registry)
	m.transport = opts.Transport
	if m.transport == nil {
		m.transport = &TCPTransport{Port: opts.WorkerPort, BufSize: opts.SendBufSize}
	}
	m.reconciler = NewReconciler(m.queue, hist, pool, m.registry, m.metrics, log)
	m.sender = NewJobSender(m.queue, m.registry, m.transport, m.reconciler,
		opts.MaxSimultSendingJobs, m.metrics, log)
	m.timeouts = NewTimeoutManager(m.reconciler)
	m.cron = NewCronManager(m, m, log)
	m.reconciler.SetRetrier(m.sender)
	m.reconciler.SetTimeouts(m.timeouts)
	m.reconciler.SetCron(m.cron)
	return m, nil
}

// Start brings up the admission listener, the dispatch loop, both
// sweeps, the ping loop and the admin surface.
func (m *Master) Start() error {
	ln, err := net.Listen("tcp", m.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %v: %w", m.opts.Addr, err)
	}
	m.ln = ln
	m.sender.Start()
	m.cron.Start()
	m.timeouts.Start()
	go m.acceptLoop()
	go m.pingLoop()

	m.admin = &http.Server{Addr: m.opts.AdminAddr, Handler: m.adminRouter()}
	go func() {
		if err := m.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error().Err(err).Msg("admin server failed")
		}
	}()
	m.log.Info().Str("addr", m.opts.Addr).Msg("master started")
	return nil
}

// Stop shuts every long-lived service down. In-flight network I/O
// may still complete; the reconciler drops those completions.
func (m *Master) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.cron.StopAllJobs()
		m.cron.Stop()
		m.sender.Stop()
		m.timeouts.Stop()
		m.reconciler.Stop()
		if m.ln != nil {
			m.ln.Close()
		}
		if m.admin != nil {
			m.admin.Close()
		}
		m.queue.Clear(true)
		m.pool.Close()
		m.hist.Close()
		m.log.Info().Msg("master stopped")
	})
}

// Addr returns the bound admission address.
func (m *Master) Addr() string {
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.opts.Addr
}

// RegisterJobName implements NameRegistry.
func (m *Master) RegisterJobName(name string) error {
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	if m.jobNames[name] {
		return fmt.Errorf("job name already taken: %q", name)
	}
	m.jobNames[name] = true
	return nil
}

// ReleaseJobName implements NameRegistry.
func (m *Master) ReleaseJobName(name string) {
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	delete(m.jobNames, name)
}

// Submit admits one job description payload: either a single spec
// object or an array of specs forming a meta-job.
func (m *Master) Submit(payload []byte) error {
	var specs []*JobSpec
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &specs); err != nil {
			return fmt.Errorf("%s: %w", ErrMalformedPayload, err)
		}
		for _, spec := range specs {
			if err := spec.Validate(); err != nil {
				return err
			}
		}
	} else {
		spec, err := ParseJobSpec(payload)
		if err != nil {
			return err
		}
		specs = []*JobSpec{spec}
	}
	return m.SubmitSpecs(specs, false)
}

// SubmitSpecs implements Submitter. With afterExecution false a
// scheduled spec only registers with the cron manager; the cron fire
// re-enters here with afterExecution true, which both runs the jobs
// and re-arms the schedule.
func (m *Master) SubmitSpecs(specs []*JobSpec, afterExecution bool) error {
	if len(specs) == 0 {
		return fmt.Errorf("%s: empty submission", ErrMalformedPayload)
	}
	scheduled := specs[0].Cron != ""
	if scheduled {
		if len(specs) > 1 || specs[0].Group != "" {
			group := &JobGroup{
				Name:  specs[0].Group,
				Cron:  specs[0].Cron,
				Specs: specs,
			}
			if group.Name == "" {
				group.Name = specs[0].Name
			}
			if err := m.cron.PushMetaJob(group, afterExecution); err != nil {
				return err
			}
		} else {
			if err := m.cron.PushJob(specs[0], afterExecution); err != nil {
				return err
			}
		}
		if !afterExecution {
			// first push arms the schedule only
			return nil
		}
	}
	for _, spec := range specs {
		if err := m.runSpec(spec); err != nil {
			return err
		}
	}
	return nil
}

// runSpec turns one spec into a queued job with its slot leased.
func (m *Master) runSpec(spec *JobSpec) error {
	job, err := NewJob(spec, m.opts.ExeDir)
	if err != nil {
		return err
	}
	log := m.log
	job.SetCallback(func(result string) {
		log.Info().Int64("job", job.ID()).RawJSON("summary", []byte(result)).Msg("job completed")
	})
	if err := m.pool.Lease(job.ID(), job.Script()); err != nil {
		return fmt.Errorf("lease script slot: %w", err)
	}
	m.reconciler.Track(job)
	if err := m.queue.Push(job); err != nil {
		m.pool.Release(job.ID())
		return err
	}
	m.metrics.JobsSubmitted.Inc()
	m.sender.Wake()
	m.log.Info().Int64("job", job.ID()).Str("lang", string(job.Lang())).
		Int("num_nodes", job.NumNodes()).Msg("job queued")
	return nil
}

// StopJob tombstones a scheduled job by name.
func (m *Master) StopJob(name string) {
	m.cron.StopJob(name)
}

// acceptLoop serves the admission endpoint.
func (m *Master) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go m.handleConn(conn)
	}
}

// handleConn reads framed job descriptions off one connection and
// answers each with a framed {err} response.
func (m *Master) handleConn(conn net.Conn) {
	defer conn.Close()
	codec := &RequestCodec{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if cerr := codec.OnChunk(buf[:n]); cerr != nil {
				m.respond(conn, ErrMalformedHeader)
				return
			}
			for codec.IsComplete() {
				code := ErrOK
				if serr := m.Submit(codec.Payload()); serr != nil {
					m.log.Warn().Err(serr).Msg("submission rejected")
					code = submissionCode(serr)
				}
				m.respond(conn, code)
				rest := codec.Remainder()
				codec.Reset()
				if len(rest) > 0 {
					if cerr := codec.OnChunk(rest); cerr != nil {
						m.respond(conn, ErrMalformedHeader)
						return
					}
					continue
				}
				break
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Master) respond(conn net.Conn, code ErrCode) {
	payload, _ := json.Marshal(Response{Err: int(code)})
	if err := WriteFrame(conn, payload); err != nil {
		m.log.Warn().Err(err).Msg("response write failed")
	}
}

// pingLoop refreshes every worker's state.
func (m *Master) pingLoop() {
	tick := time.NewTicker(m.opts.PingInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-tick.C:
		}
		for _, host := range m.registry.Hosts() {
			host := host
			go func() {
				if err := m.transport.Ping(host); err != nil {
					m.registry.OnPingFailure(host)
					return
				}
				m.registry.OnPingSuccess(host)
			}()
		}
	}
}

// adminRouter builds the HTTP admin surface.
func (m *Master) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.promReg, promhttp.HandlerOpts{}))
	r.Get("/api/jobs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]interface{}{
			"queued": m.queue.Jobs(),
			"cron":   m.cron.JobsInfo(),
		})
	})
	r.Get("/api/workers", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, m.registry.Infos())
	})
	r.Get("/api/history/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		value, err := m.hist.Get(id)
		if err == history.ErrNotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(value))
	})
	r.Post("/api/stop/{name}", func(w http.ResponseWriter, req *http.Request) {
		m.StopJob(chi.URLParam(req, "name"))
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/workers/{host}/disable", func(w http.ResponseWriter, req *http.Request) {
		if err := m.registry.Disable(chi.URLParam(req, "host")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/workers/{host}/enable", func(w http.ResponseWriter, req *http.Request) {
		if err := m.registry.Enable(chi.URLParam(req, "host")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// submissionCode maps a submission error to its wire code.
func submissionCode(err error) ErrCode {
	s := err.Error()
	for _, code := range []ErrCode{
		ErrMalformedHeader, ErrMalformedPayload, ErrLanguageNotSupported,
	} {
		if strings.HasPrefix(s, code.String()) {
			return code
		}
	}
	return ErrFatalNode
}
