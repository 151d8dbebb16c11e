package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls poller cadence and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	EnabledJobs   []string
	LeaderLockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		BatchSize:     100,
		JobTimeout:    30 * time.Second,
		LeaderLockTTL: 90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}

// ProvideConfig reads poller tuning from the environment, falling back to
// defaults for anything unset or unparsable.
func ProvideConfig() Config {
	cfg := DefaultConfig()

	if raw := strings.TrimSpace(os.Getenv("POLLER_RUN_INTERVAL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RunInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("POLLER_BATCH_SIZE")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("POLLER_JOB_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.JobTimeout = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("POLLER_ENABLED_JOBS")); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	if raw := strings.TrimSpace(os.Getenv("POLLER_LEADER_LOCK_TTL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.LeaderLockTTL = d
		}
	}

	return cfg
}
