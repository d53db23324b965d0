package sandbox

import (
	"encoding/binary"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/GermanZvezdin/prun"
	"github.com/GermanZvezdin/prun/lib/shm"
)

// TaskState tracks one execution through the sandbox. Every terminal
// state records an error code; there is no in-progress state with an
// unknown outcome.
type TaskState int

const (
	TaskIdle = TaskState(iota)
	TaskWritingScript
	TaskWaitingResult
	TaskDone
	TaskKilled
)

// String represents TaskState as string.
func (s TaskState) String() string {
	return map[TaskState]string{
		TaskIdle:          "idle",
		TaskWritingScript: "writing_script",
		TaskWaitingResult: "waiting_result",
		TaskDone:          "done",
		TaskKilled:        "killed",
	}[s]
}

// Executor runs one task at a time: it forks an interpreter, feeds it
// the script over its write FIFO and reads the numeric result off its
// read FIFO, both bounded by the task timeout.
type Executor struct {
	pool  *shm.Pool
	fifos *FIFOPair

	// interpreters maps config keys to interpreter paths.
	interpreters map[string]string

	exeDir string

	state TaskState

	log zerolog.Logger
}

// NewExecutor creates an executor over its own FIFO pair.
func NewExecutor(pool *shm.Pool, fifos *FIFOPair, interpreters map[string]string,
	exeDir string, log zerolog.Logger) *Executor {
	return &Executor{
		pool:         pool,
		fifos:        fifos,
		interpreters: interpreters,
		exeDir:       exeDir,
		log:          log.With().Str("comp", "executor").Logger(),
	}
}

// State returns the state of the last execution.
func (e *Executor) State() TaskState {
	return e.state
}

// Execute runs the task and returns the code for its response frame.
func (e *Executor) Execute(req prun.TaskRequest) prun.ErrCode {
	e.state = TaskIdle

	spec, ok := prun.Language(req.Lang).Spec()
	if !ok {
		e.log.Warn().Str("lang", req.Lang).Msg("no executor for language")
		return prun.ErrLanguageNotSupported
	}
	exePath, ok := e.interpreters[spec.ConfigKey]
	if !ok || exePath == "" {
		e.log.Error().Str("lang", req.Lang).Msg("interpreter path not configured")
		return prun.ErrFatalNode
	}
	script, err := e.pool.Script(req.ID, req.Len)
	if err != nil {
		e.log.Error().Err(err).Int64("job", req.ID).Msg("script slot unreadable")
		return prun.ErrFatalNode
	}

	args := e.argv(spec, req)
	cmd := exec.Command(exePath, args...)
	// orphaned interpreters must exit when the worker dies
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGHUP}
	if err := cmd.Start(); err != nil {
		e.log.Error().Err(err).Str("exe", exePath).Msg("exec failed")
		return prun.ErrFatalNode
	}
	// reap the child no matter how the IO below ends
	defer func() { go cmd.Wait() }()

	timeoutMs := req.Timeout * 1000
	if req.Timeout <= 0 {
		timeoutMs = -1
	}

	e.state = TaskWritingScript
	code := e.writeScript(script, timeoutMs, cmd)
	if code != prun.ErrOK {
		return code
	}

	e.state = TaskWaitingResult
	return e.readResult(timeoutMs, cmd)
}

// argv builds the interpreter argument list. JVM languages load the
// compiled node class from the exe dir; everything else runs its
// driver script directly.
func (e *Executor) argv(spec prun.LangSpec, req prun.TaskRequest) []string {
	common := []string{
		e.fifos.ReadPath,
		e.fifos.WritePath,
		strconv.Itoa(req.Len),
		strconv.Itoa(req.TaskID),
		strconv.Itoa(req.NumTasks),
	}
	if spec.JVM {
		return append([]string{"-cp", e.exeDir, "node"}, common...)
	}
	return append([]string{filepath.Join(e.exeDir, spec.NodeScript)}, common...)
}

// writeScript feeds the script into the write FIFO.
func (e *Executor) writeScript(script []byte, timeoutMs int, cmd *exec.Cmd) prun.ErrCode {
	ready, err := pollWait(e.fifos.writeFD, unix.POLLOUT, timeoutMs)
	if err != nil {
		e.log.Error().Err(err).Msg("write fifo poll failed")
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrFatalNode
	}
	if !ready {
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrTaskTimeout
	}
	if _, err := unix.Write(e.fifos.writeFD, script); err != nil {
		e.log.Error().Err(err).Msg("write fifo failed")
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrFatalNode
	}
	return prun.ErrOK
}

// readResult reads the interpreter's numeric code off the read FIFO.
func (e *Executor) readResult(timeoutMs int, cmd *exec.Cmd) prun.ErrCode {
	ready, err := pollWait(e.fifos.readFD, unix.POLLIN, timeoutMs)
	if err != nil {
		e.log.Error().Err(err).Msg("read fifo poll failed")
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrFatalNode
	}
	if !ready {
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrTaskTimeout
	}
	var raw [4]byte
	n, err := unix.Read(e.fifos.readFD, raw[:])
	if err != nil || n < len(raw) {
		e.log.Error().Err(err).Int("n", n).Msg("read fifo failed")
		e.state = TaskKilled
		e.kill(cmd)
		return prun.ErrFatalNode
	}
	e.state = TaskDone
	return prun.ErrCode(int32(binary.LittleEndian.Uint32(raw[:])))
}

// kill terminates an interpreter that outlived its task.
func (e *Executor) kill(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	e.log.Warn().Int("pid", pid).Msg("killing interpreter")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.log.Error().Err(err).Int("pid", pid).Msg("kill failed")
	}
	// give it a moment, then make sure
	go func() {
		time.Sleep(5 * time.Second)
		cmd.Process.Kill()
	}()
}
