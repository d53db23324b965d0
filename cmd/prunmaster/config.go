package main

import (
	"github.com/pelletier/go-toml"

	"github.com/GermanZvezdin/prun/history"
)

// Config is the master's config file.
type Config struct {
	Master struct {
		Addr                 string `toml:"addr"`
		AdminAddr            string `toml:"admin_addr"`
		WorkerPort           int    `toml:"worker_port"`
		SendBufferSize       int    `toml:"send_buffer_size"`
		MaxSimultSendingJobs int    `toml:"max_simult_sending_jobs"`
		ShmemSlots           int    `toml:"shmem_slots"`
		WorkerCapacity       int    `toml:"worker_capacity"`
		MaxPingFails         int    `toml:"max_ping_fails"`
		PingIntervalSec      int    `toml:"ping_interval_sec"`
	} `toml:"master"`

	History history.Config `toml:"history"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	t, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := t.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
