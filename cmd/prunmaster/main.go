package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/GermanZvezdin/prun"
	_ "github.com/GermanZvezdin/prun/history/leveldb"
	_ "github.com/GermanZvezdin/prun/history/redis"
	_ "github.com/GermanZvezdin/prun/history/sqlite"
)

func main() {
	var (
		numThread  int
		exeDir     string
		configPath string
		hostsPath  string
		daemon     bool
		uid        int
		forkReq    bool
	)
	flag.IntVar(&numThread, "num_thread", runtime.NumCPU(), "thread pool size")
	flag.StringVar(&exeDir, "exe_dir", ".", "executable working directory")
	flag.StringVar(&configPath, "config", "", "config file path")
	flag.StringVar(&hostsPath, "hosts", "", "worker host list path")
	flag.BoolVar(&daemon, "d", false, "run as a daemon")
	flag.IntVar(&uid, "u", 0, "start as a specific non-root user")
	flag.BoolVar(&forkReq, "f", false, "create a session per request (worker only)")
	flag.Parse()

	log := newLogger(daemon)
	runtime.GOMAXPROCS(numThread)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}

	var hosts []string
	if hostsPath != "" {
		hosts, err = prun.ReadHosts(hostsPath)
		if err != nil {
			log.Error().Err(err).Msg("host list load failed")
			os.Exit(1)
		}
		log.Info().Int("hosts", len(hosts)).Msg("host list loaded")
	}

	opts := prun.MasterOptions{
		Addr:                 cfg.Master.Addr,
		AdminAddr:            cfg.Master.AdminAddr,
		WorkerPort:           cfg.Master.WorkerPort,
		ExeDir:               exeDir,
		SendBufSize:          cfg.Master.SendBufferSize,
		MaxSimultSendingJobs: cfg.Master.MaxSimultSendingJobs,
		ShmemSlots:           cfg.Master.ShmemSlots,
		WorkerCapacity:       cfg.Master.WorkerCapacity,
		MaxPingFails:         cfg.Master.MaxPingFails,
		PingInterval:         time.Duration(cfg.Master.PingIntervalSec) * time.Second,
		Hosts:                hosts,
		History:              cfg.History,
	}
	master, err := prun.NewMaster(opts, log)
	if err != nil {
		log.Error().Err(err).Msg("master init failed")
		os.Exit(1)
	}
	if err := master.Start(); err != nil {
		log.Error().Err(err).Msg("master start failed")
		os.Exit(1)
	}

	impersonate(uid, log)
	go reapChildren()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	for s := range sigCh {
		if s == syscall.SIGHUP {
			log.Info().Msg("ignoring SIGHUP")
			continue
		}
		break
	}
	master.Stop()
	os.Exit(0)
}

func newLogger(daemon bool) zerolog.Logger {
	if daemon {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
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

// reapChildren collects any stray child the process picks up.
// Multiple terminating children may be compressed into one SIGCHLD.
func reapChildren() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD)
	for range sigCh {
		for {
			var status syscall.WaitStatus
			pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
		}
	}
}
