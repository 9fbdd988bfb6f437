// Package config loads the TOML files read by binderd and by binder
// processes. Keys that are absent keep their Default*Config value.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/kernel"
)

var ErrInvalid = errors.New("config: invalid")

const DefaultSocketPath = "/tmp/edgebinder.sock"

// DaemonConfig configures binderd.
type DaemonConfig struct {
	SocketPath     string
	AdminAddr      string
	MaxBufferBytes int
	MaxProcesses   int
	CorsOrigins    []string
}

// ProcessConfig configures one process attached to binderd.
type ProcessConfig struct {
	Name           string
	SocketPath     string
	MaxThreads     uint32
	LocalScheduler bool
	HandlerWorkers int
	CallTimeout    time.Duration
}

func DefaultDaemonConfig() DaemonConfig {
	k := kernel.DefaultConfig()
	return DaemonConfig{
		SocketPath:     DefaultSocketPath,
		AdminAddr:      "127.0.0.1:7420",
		MaxBufferBytes: k.MaxBufferBytes,
		MaxProcesses:   k.MaxProcesses,
		CorsOrigins:    []string{"http://localhost:3000"},
	}
}

func DefaultProcessConfig() ProcessConfig {
	b := binder.DefaultConfig()
	return ProcessConfig{
		Name:           b.Name,
		SocketPath:     DefaultSocketPath,
		MaxThreads:     b.MaxThreads,
		HandlerWorkers: b.Scheduler.MaxWorkers,
		CallTimeout:    5 * time.Second,
	}
}

type daemonFile struct {
	SocketPath     string   `toml:"socket_path"`
	AdminAddr      string   `toml:"admin_addr"`
	MaxBufferBytes int      `toml:"max_buffer_bytes"`
	MaxProcesses   int      `toml:"max_processes"`
	CorsOrigins    []string `toml:"cors_origins"`
}

type processFile struct {
	Name           string `toml:"name"`
	SocketPath     string `toml:"socket_path"`
	MaxThreads     uint32 `toml:"max_threads"`
	LocalScheduler bool   `toml:"local_scheduler"`
	HandlerWorkers int    `toml:"handler_workers"`
	CallTimeout    string `toml:"call_timeout"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	var raw daemonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("load daemon config: %w", err)
	}
	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("max_buffer_bytes") {
		cfg.MaxBufferBytes = raw.MaxBufferBytes
	}
	if meta.IsDefined("max_processes") {
		cfg.MaxProcesses = raw.MaxProcesses
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func LoadProcessConfig(path string) (ProcessConfig, error) {
	cfg := DefaultProcessConfig()

	var raw processFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ProcessConfig{}, fmt.Errorf("load process config: %w", err)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("socket_path") {
		cfg.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("max_threads") {
		cfg.MaxThreads = raw.MaxThreads
	}
	if meta.IsDefined("local_scheduler") {
		cfg.LocalScheduler = raw.LocalScheduler
	}
	if meta.IsDefined("handler_workers") {
		cfg.HandlerWorkers = raw.HandlerWorkers
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return ProcessConfig{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if err := ValidateProcessConfig(cfg); err != nil {
		return ProcessConfig{}, err
	}
	return cfg, nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if err := validateSocketPath(cfg.SocketPath); err != nil {
		return err
	}
	if cfg.AdminAddr != "" && !strings.Contains(cfg.AdminAddr, ":") {
		return fmt.Errorf("%w: admin_addr %q has no port", ErrInvalid, cfg.AdminAddr)
	}
	if cfg.MaxBufferBytes <= 0 {
		return fmt.Errorf("%w: max_buffer_bytes must be positive", ErrInvalid)
	}
	if cfg.MaxProcesses <= 0 {
		return fmt.Errorf("%w: max_processes must be positive", ErrInvalid)
	}
	return nil
}

func ValidateProcessConfig(cfg ProcessConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if err := validateSocketPath(cfg.SocketPath); err != nil {
		return err
	}
	if cfg.MaxThreads == 0 {
		return fmt.Errorf("%w: max_threads must be positive", ErrInvalid)
	}
	if cfg.HandlerWorkers < 0 {
		return fmt.Errorf("%w: handler_workers must not be negative", ErrInvalid)
	}
	if cfg.CallTimeout < 0 {
		return fmt.Errorf("%w: call_timeout must not be negative", ErrInvalid)
	}
	return nil
}

func validateSocketPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: socket_path is required", ErrInvalid)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: socket_path %q must be absolute", ErrInvalid, path)
	}
	return nil
}

// KernelConfig returns the kernel limits the daemon hosts.
func (c DaemonConfig) KernelConfig() kernel.Config {
	k := kernel.DefaultConfig()
	k.MaxBufferBytes = c.MaxBufferBytes
	k.MaxProcesses = c.MaxProcesses
	return k.WithDefaults()
}

// BinderConfig returns the process settings for binder.New.
func (c ProcessConfig) BinderConfig() binder.Config {
	b := binder.DefaultConfig()
	b.Name = c.Name
	b.MaxThreads = c.MaxThreads
	b.LocalScheduler = c.LocalScheduler
	if c.HandlerWorkers > 0 {
		b.Scheduler.MaxWorkers = c.HandlerWorkers
	}
	return b
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
