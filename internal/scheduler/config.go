package scheduler

import (
	"time"
)

// Config controls when the driver fires each job and how it retries.
// Times of day are UTC offsets from midnight.
type Config struct {
	TickInterval time.Duration
	DailyAt      time.Duration
	CloseDay     int
	CloseAt      time.Duration
	ReconcileAt  time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	JobTimeout   time.Duration
	// EnabledJobs limits the jobs that fire. Empty enables all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
		DailyAt:      2 * time.Hour,
		CloseDay:     1,
		CloseAt:      4 * time.Hour,
		ReconcileAt:  6 * time.Hour,
		MaxRetries:   1,
		RetryDelay:   5 * time.Minute,
		JobTimeout:   2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.DailyAt <= 0 {
		c.DailyAt = defaults.DailyAt
	}
	if c.CloseDay <= 0 || c.CloseDay > 28 {
		c.CloseDay = defaults.CloseDay
	}
	if c.CloseAt <= 0 {
		c.CloseAt = defaults.CloseAt
	}
	if c.ReconcileAt <= 0 {
		c.ReconcileAt = defaults.ReconcileAt
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
