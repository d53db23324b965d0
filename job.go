package prun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobFlag is a bitfield of job behaviors.
type JobFlag int

const (
	// FlagNoReschedule keeps a failed recurring job from being re-armed.
	FlagNoReschedule JobFlag = 1 << iota
)

// JobSpec is the job description payload a user submits to the master.
// Either Script or ScriptRef must be set; ScriptRef names a script file
// under the exe dir.
type JobSpec struct {
	ID             int64  `json:"id"`
	Script         string `json:"script,omitempty"`
	ScriptRef      string `json:"script_ref,omitempty"`
	Lang           string `json:"lang" validate:"required"`
	NumNodes       int    `json:"num_nodes" validate:"gte=1"`
	MaxFailedNodes int    `json:"max_failed_nodes" validate:"gte=0"`
	Timeout        int    `json:"timeout" validate:"gte=0"`
	QueueTimeout   int    `json:"queue_timeout" validate:"gte=0"`
	TaskTimeout    int    `json:"task_timeout" validate:"gte=0"`
	NoReschedule   bool   `json:"no_reschedule,omitempty"`
	Cron           string `json:"cron,omitempty"`
	Name           string `json:"name,omitempty"`

	// Group names sibling specs sharing a schedule.
	// Meta jobs are submitted as a list of specs with the same Group.
	Group string `json:"group,omitempty"`
}

var validate = validator.New()

// ParseJobSpec parses and validates a job description payload.
func ParseJobSpec(payload []byte) (*JobSpec, error) {
	spec := &JobSpec{}
	if err := json.Unmarshal(payload, spec); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrMalformedPayload, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks a spec that is already parsed, like a member of a
// meta-job array.
func (spec *JobSpec) Validate() error {
	if err := validate.Struct(spec); err != nil {
		return fmt.Errorf("%s: %w", ErrMalformedPayload, err)
	}
	if !Language(spec.Lang).Known() {
		return fmt.Errorf("%s: %q", ErrLanguageNotSupported, spec.Lang)
	}
	if spec.Script == "" && spec.ScriptRef == "" {
		return fmt.Errorf("%s: no script or script_ref", ErrMalformedPayload)
	}
	return nil
}

// nextJobID hands out unique monotonic job ids.
var nextJobID int64

// Job is a unit of work a user submitted to the master.
// A Job is immutable after creation; mutable bookkeeping lives in the
// reconciler, keyed by job id.
type Job struct {
	id     int64
	name   string
	script []byte
	lang   Language

	numNodes       int
	maxFailedNodes int

	// timeouts, whole seconds
	timeout      int
	queueTimeout int
	taskTimeout  int

	flags JobFlag
	cron  string
	group string

	created time.Time

	// callback receives the textual result on terminal outcome.
	callback func(result string)
}

// NewJob builds a Job from a validated spec. Script bodies referenced
// by file are read relative to exeDir.
func NewJob(spec *JobSpec, exeDir string) (*Job, error) {
	script := []byte(spec.Script)
	if spec.ScriptRef != "" {
		var err error
		script, err = os.ReadFile(filepath.Join(exeDir, spec.ScriptRef))
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
	}
	if len(script) > MaxScriptSize {
		return nil, fmt.Errorf("%s: script of %d bytes", ErrMalformedPayload, len(script))
	}
	j := &Job{
		id:             atomic.AddInt64(&nextJobID, 1) - 1,
		name:           spec.Name,
		script:         script,
		lang:           Language(spec.Lang),
		numNodes:       spec.NumNodes,
		maxFailedNodes: spec.MaxFailedNodes,
		timeout:        spec.Timeout,
		queueTimeout:   spec.QueueTimeout,
		taskTimeout:    spec.TaskTimeout,
		cron:           spec.Cron,
		group:          spec.Group,
		created:        time.Now(),
	}
	if spec.NoReschedule {
		j.flags |= FlagNoReschedule
	}
	return j, nil
}

func (j *Job) ID() int64          { return j.id }
func (j *Job) Name() string       { return j.name }
func (j *Job) Script() []byte     { return j.script }
func (j *Job) ScriptLen() int     { return len(j.script) }
func (j *Job) Lang() Language     { return j.lang }
func (j *Job) NumNodes() int      { return j.numNodes }
func (j *Job) MaxFailedNodes() int { return j.maxFailedNodes }
func (j *Job) Timeout() int       { return j.timeout }
func (j *Job) QueueTimeout() int  { return j.queueTimeout }
func (j *Job) TaskTimeout() int   { return j.taskTimeout }
func (j *Job) Cron() string       { return j.cron }
func (j *Job) Group() string      { return j.group }
func (j *Job) Created() time.Time { return j.created }

// NoReschedule reports whether the job opted out of cron re-arming.
func (j *Job) NoReschedule() bool {
	return j.flags&FlagNoReschedule != 0
}

// SetCallback installs the terminal-outcome callback.
// It must be called before the job is pushed to the queue.
func (j *Job) SetCallback(f func(result string)) {
	j.callback = f
}

// RunCallback invokes the callback, if any. Callers must not hold any
// queue or reconciler lock.
func (j *Job) RunCallback(result string) {
	if j.callback != nil {
		j.callback(result)
	}
}

// MarshalJSON implements json.Marshaler interface.
func (j *Job) MarshalJSON() ([]byte, error) {
	m := struct {
		ID             int64  `json:"id"`
		Name           string `json:"name,omitempty"`
		Lang           string `json:"lang"`
		ScriptLen      int    `json:"script_len"`
		NumNodes       int    `json:"num_nodes"`
		MaxFailedNodes int    `json:"max_failed_nodes"`
		Cron           string `json:"cron,omitempty"`
		Group          string `json:"group,omitempty"`
	}{
		ID:             j.id,
		Name:           j.name,
		Lang:           string(j.lang),
		ScriptLen:      len(j.script),
		NumNodes:       j.numNodes,
		MaxFailedNodes: j.maxFailedNodes,
		Cron:           j.cron,
		Group:          j.group,
	}
	return json.Marshal(m)
}

// JobGroup is a named, ordered set of jobs sharing a schedule.
// Each member runs as its own job with its own failed-node budget; a
// member's failure does not fail or cancel its siblings.
type JobGroup struct {
	Name  string
	Cron  string
	Specs []*JobSpec
}

// Task is one (job, taskId) pair destined for a single worker.
// It is ephemeral and reconstructable from its Job.
type Task struct {
	JobID  int64
	TaskID int
}

// TaskRequest is the dispatch payload a worker receives. The script
// body is not in the payload; the worker reads it from shared memory
// slot of the job id, Len bytes.
type TaskRequest struct {
	ID       int64  `json:"id"`
	Len      int    `json:"len"`
	Lang     string `json:"lang"`
	TaskID   int    `json:"task_id"`
	NumTasks int    `json:"num_tasks"`
	Timeout  int    `json:"timeout"`
}

// Response is the framed reply on every endpoint: a numeric error
// code, zero on success.
type Response struct {
	Err int `json:"err"`
}
