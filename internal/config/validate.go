package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks fields a running bot cannot work around.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"source.timeout":              c.Source.Timeout,
		"refresh.base_period":         c.Refresh.BasePeriod,
		"refresh.slip_threshold":      c.Refresh.SlipThreshold,
		"refresh.retry_delay":         c.Refresh.RetryDelay,
		"dispatch.burst_pause":        c.Dispatch.BurstPause,
		"dispatch.retry_delay":        c.Dispatch.RetryDelay,
		"dispatch.send_timeout":       c.Dispatch.SendTimeout,
		"dispatch.missed_after":       c.Dispatch.MissedAfter,
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"retention.max_age":           c.Retention.MaxAge,
	} {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d, _ := ParseDuration("refresh.base_period", c.Refresh.BasePeriod); d > 0 && d < time.Minute {
		errs = append(errs, errors.New("refresh.base_period: must be at least 1m"))
	}
	if c.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_sec: must be >= 0"))
	}
	if c.Mirror.Enabled && c.Mirror.DB < 0 {
		errs = append(errs, errors.New("mirror.db: must be >= 0"))
	}
	return errors.Join(errs...)
}
