package main

import (
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/GermanZvezdin/prun"
	"github.com/GermanZvezdin/prun/lib/shm"
	"github.com/GermanZvezdin/prun/sandbox"
)

func main() {
	var (
		numThread  int
		exeDir     string
		configPath string
		daemon     bool
		uid        int
		forkReq    bool
	)
	flag.IntVar(&numThread, "num_thread", runtime.NumCPU(), "thread pool size")
	flag.StringVar(&exeDir, "exe_dir", ".", "executable working directory")
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.BoolVar(&daemon, "d", false, "run as a daemon")
	flag.IntVar(&uid, "u", 0, "start as a specific non-root user")
	flag.BoolVar(&forkReq, "f", false, "create a session per request")
	flag.Parse()

	log := newLogger(daemon)
	runtime.GOMAXPROCS(numThread)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	addr := cfg.Worker.Addr
	if addr == "" {
		addr = ":" + strconv.Itoa(prun.DefaultPort)
	}

	setupLanguageRuntime(cfg, exeDir, log)

	pool, err := openPool(log)
	if err != nil {
		log.Error().Err(err).Msg("script pool open failed")
		os.Exit(1)
	}
	defer pool.Close()

	server, err := sandbox.NewServer(sandbox.Options{
		Addr:           addr,
		NumThread:      numThread,
		ForkPerRequest: forkReq,
		UID:            uid,
		ExeDir:         exeDir,
		Interpreters:   cfg.Interpreters,
	}, pool, log)
	if err != nil {
		log.Error().Err(err).Msg("worker init failed")
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		log.Error().Err(err).Msg("worker start failed")
		os.Exit(1)
	}

	// tell the parent the worker is ready to take tasks
	unix.Kill(os.Getppid(), unix.SIGUSR1)

	impersonate(uid, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for s := range sigCh {
		if s == syscall.SIGHUP {
			log.Info().Msg("ignoring SIGHUP")
			continue
		}
		break
	}
	server.Stop()
	os.Exit(0)
}

func newLogger(daemon bool) zerolog.Logger {
	if daemon {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// openPool maps the script pool the master owns. The worker may come
// up first, so it waits for the pool to appear.
func openPool(log zerolog.Logger) (*shm.Pool, error) {
	path := shm.DefaultPath(shm.DefaultName)
	var err error
	for i := 0; i < 30; i++ {
		var pool *shm.Pool
		pool, err = shm.Open(path)
		if err == nil {
			return pool, nil
		}
		if i == 0 {
			log.Info().Str("path", path).Msg("waiting for script pool")
		}
		time.Sleep(time.Second)
	}
	return nil, err
}

// setupLanguageRuntime precompiles the Java node driver once, so JVM
// jobs don't pay for compilation per task.
func setupLanguageRuntime(cfg *Config, exeDir string, log zerolog.Logger) {
	javac := cfg.Interpreters["javac"]
	if javac == "" {
		return
	}
	if _, err := os.Stat(javac); err != nil {
		log.Warn().Str("javac", javac).Msg("javac not found, skipping java setup")
		return
	}
	spec, _ := prun.LangJava.Spec()
	nodePath := filepath.Join(exeDir, spec.NodeScript)
	out, err := exec.Command(javac, "-d", exeDir, nodePath).CombinedOutput()
	if err != nil {
		log.Warn().Err(err).Bytes("output", out).Msg("java node driver compilation failed")
		return
	}
	log.Info().Msg("java node driver compiled")
}

func impersonate(uid int, log zerolog.Logger) {
	if uid == 0 {
		return
	}
	if err := unix.Setuid(uid); err != nil {
		log.Error().Err(err).Int("uid", uid).Msg("impersonation failed")
		os.Exit(1)
	}
	log.Info().Int("uid", uid).Msg("impersonated")
}
