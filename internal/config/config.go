// Package config is the runtime's configuration surface: a struct with
// a Check method that fills defaults and validates required fields,
// the same shape cmd/driver/config.go used in the teacher repo.
package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration for a flowcored process.
type Config struct {
	LogFolder string `json:"LogFolder" toml:"LogFolder" yaml:"LogFolder"`
	Debug     bool   `json:"Debug" toml:"Debug" yaml:"Debug"`

	MetricsPort int `json:"MetricsPort" toml:"MetricsPort" yaml:"MetricsPort"`

	Scheduler SchedulerConfig `json:"Scheduler" toml:"Scheduler" yaml:"Scheduler"`
}

// SchedulerConfig holds the WorkersPool tunables that may be
// hot-reloaded at runtime (spec.md Non-goals exclude filter hot-swap,
// but scheduler tuning is fair game).
type SchedulerConfig struct {
	Workers               int           `json:"Workers" toml:"Workers" yaml:"Workers"`
	PollIntervalMs        int           `json:"PollIntervalMs" toml:"PollIntervalMs" yaml:"PollIntervalMs"`
	MaxQuiesceWaitSeconds int           `json:"MaxQuiesceWaitSeconds" toml:"MaxQuiesceWaitSeconds" yaml:"MaxQuiesceWaitSeconds"`
}

// PollInterval returns the configured poll interval as a Duration.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// MaxQuiesceWait returns the configured quiesce timeout as a Duration.
func (s SchedulerConfig) MaxQuiesceWait() time.Duration {
	return time.Duration(s.MaxQuiesceWaitSeconds) * time.Second
}

// Check fills in defaults and validates required fields, following the
// teacher's cmd/driver/config.go pattern of mutating in place and
// returning the first validation error encountered.
func (c *Config) Check() error {
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		c.MetricsPort = 9090
	}
	if c.Scheduler.Workers < 1 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.PollIntervalMs < 1 {
		c.Scheduler.PollIntervalMs = 5
	}
	if c.Scheduler.MaxQuiesceWaitSeconds < 1 {
		c.Scheduler.MaxQuiesceWaitSeconds = 5
	}
	if c.Scheduler.Workers > 1024 {
		return errors.New("config: scheduler.workers is unreasonably large")
	}
	return nil
}
