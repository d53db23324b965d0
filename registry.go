package prun

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkerState is the registry's view of one worker host.
type WorkerState int

const (
	WorkerNotAvail = WorkerState(iota)
	WorkerAvail
	WorkerExecuting
	WorkerDisabled
)

// String represents WorkerState as string.
func (s WorkerState) String() string {
	return map[WorkerState]string{
		WorkerNotAvail:  "not_avail",
		WorkerAvail:     "avail",
		WorkerExecuting: "executing",
		WorkerDisabled:  "disabled",
	}[s]
}

// Worker is one host of the fleet and its dispatch bookkeeping.
type Worker struct {
	host        string
	state       WorkerState
	outstanding int
	lastSeen    time.Time
	pingFails   int
}

// Host returns the worker's host name or IP literal.
func (w *Worker) Host() string { return w.host }

// State returns the worker's current state.
func (w *Worker) State() WorkerState { return w.state }

// WorkerInfo is a snapshot row for the admin surface.
type WorkerInfo struct {
	Host        string    `json:"host"`
	State       string    `json:"state"`
	Outstanding int       `json:"outstanding"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// ReadHosts loads the worker host list. Blank lines are skipped.
// Lines starting with a digit must parse as IPv4 literals; anything
// else is kept verbatim as a host name.
func ReadHosts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts: %w", err)
	}
	defer f.Close()
	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		host := sc.Text()
		if host == "" {
			continue
		}
		if host[0] >= '0' && host[0] <= '9' {
			ip := net.ParseIP(host)
			if ip == nil || ip.To4() == nil {
				return nil, fmt.Errorf("invalid host ip: %q", host)
			}
		}
		hosts = append(hosts, host)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hosts: %w", err)
	}
	return hosts, nil
}

// WorkerRegistry tracks the fleet's state machines and hands out
// workers for dispatch.
//
// State transitions: NOT_AVAIL -> AVAIL on successful ping,
// AVAIL -> EXECUTING on dispatch when the worker is saturated,
// EXECUTING -> AVAIL on completion, any -> NOT_AVAIL on ping failure,
// and NOT_AVAIL -> DISABLED after maxPingFails consecutive failures
// or an operator command.
type WorkerRegistry struct {
	mu      sync.Mutex
	workers map[string]*Worker

	// capacity is the number of tasks a worker may run at once; a
	// worker at capacity leaves the AVAIL pool.
	capacity int

	maxPingFails int

	// ReadyCh wakes the sender when a worker becomes available.
	ReadyCh chan struct{}

	log zerolog.Logger
}

// NewWorkerRegistry creates a registry over the given hosts.
// All workers start NOT_AVAIL until their first successful ping.
func NewWorkerRegistry(hosts []string, capacity, maxPingFails int, log zerolog.Logger) *WorkerRegistry {
	if capacity <= 0 {
		capacity = 1
	}
	if maxPingFails <= 0 {
		maxPingFails = 3
	}
	r := &WorkerRegistry{
		workers:      make(map[string]*Worker),
		capacity:     capacity,
		maxPingFails: maxPingFails,
		ReadyCh:      make(chan struct{}, 1),
		log:          log.With().Str("comp", "registry").Logger(),
	}
	for _, h := range hosts {
		r.workers[h] = &Worker{host: h}
	}
	return r
}

// Hosts lists the registered host ids.
func (r *WorkerRegistry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.workers))
	for h := range r.workers {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Select picks the best available worker: fewest outstanding tasks,
// ties broken by lexicographic host id. It returns nil when no worker
// is available.
func (r *WorkerRegistry) Select() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Worker
	for _, w := range r.workers {
		if w.state != WorkerAvail {
			continue
		}
		if best == nil ||
			w.outstanding < best.outstanding ||
			(w.outstanding == best.outstanding && w.host < best.host) {
			best = w
		}
	}
	return best
}

// Assign counts a dispatch against the worker. A worker at capacity
// transitions to EXECUTING and leaves the selectable pool.
func (r *WorkerRegistry) Assign(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.outstanding++
	if w.outstanding >= r.capacity {
		w.state = WorkerExecuting
	}
}

// Release gives the dispatch slot back on completion and wakes the
// sender. A disabled worker stays disabled.
func (r *WorkerRegistry) Release(w *Worker) {
	r.mu.Lock()
	if w.outstanding > 0 {
		w.outstanding--
	}
	if w.state == WorkerExecuting && w.outstanding < r.capacity {
		w.state = WorkerAvail
	}
	r.mu.Unlock()
	r.wake()
}

// OnPingSuccess admits the worker to the AVAIL pool.
func (r *WorkerRegistry) OnPingSuccess(host string) {
	r.mu.Lock()
	w, ok := r.workers[host]
	if !ok || w.state == WorkerDisabled {
		r.mu.Unlock()
		return
	}
	w.pingFails = 0
	w.lastSeen = time.Now()
	if w.state == WorkerNotAvail {
		w.state = WorkerAvail
		r.log.Info().Str("worker", host).Msg("worker available")
	}
	r.mu.Unlock()
	r.wake()
}

// OnPingFailure drops the worker from the pool; enough consecutive
// failures disable it until an operator re-enables.
func (r *WorkerRegistry) OnPingFailure(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[host]
	if !ok || w.state == WorkerDisabled {
		return
	}
	w.pingFails++
	w.state = WorkerNotAvail
	if w.pingFails >= r.maxPingFails {
		w.state = WorkerDisabled
		r.log.Warn().Str("worker", host).Int("fails", w.pingFails).Msg("worker disabled")
	}
}

// Disable takes the worker out of rotation by operator command.
func (r *WorkerRegistry) Disable(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[host]
	if !ok {
		return fmt.Errorf("worker not found: %v", host)
	}
	w.state = WorkerDisabled
	return nil
}

// Enable puts a disabled worker back; it re-enters the pool on its
// next successful ping.
func (r *WorkerRegistry) Enable(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[host]
	if !ok {
		return fmt.Errorf("worker not found: %v", host)
	}
	if w.state == WorkerDisabled {
		w.state = WorkerNotAvail
		w.pingFails = 0
	}
	return nil
}

// NumAvail counts workers currently in the AVAIL pool.
func (r *WorkerRegistry) NumAvail() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.state == WorkerAvail {
			n++
		}
	}
	return n
}

// Infos snapshots the fleet for the admin surface.
func (r *WorkerRegistry) Infos() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		infos = append(infos, WorkerInfo{
			Host:        w.host,
			State:       w.state.String(),
			Outstanding: w.outstanding,
			LastSeen:    w.lastSeen,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Host < infos[j].Host })
	return infos
}

func (r *WorkerRegistry) wake() {
	select {
	case r.ReadyCh <- struct{}{}:
	default:
	}
}
