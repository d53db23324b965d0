package main

import (
	"github.com/pelletier/go-toml"
)

// Config is the worker's config file.
type Config struct {
	Worker struct {
		Addr string `toml:"addr"`
	} `toml:"worker"`

	// Interpreters maps language config keys to interpreter paths:
	// python, java, javac, shell, ruby, js.
	Interpreters map[string]string `toml:"interpreters"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{Interpreters: make(map[string]string)}
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
