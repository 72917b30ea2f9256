package app

import (
	"fmt"
	"strings"
	"time"

	"launchbot/internal/config"
	"launchbot/internal/dispatch"
	"launchbot/internal/mirror"
	"launchbot/internal/reconcile"
	"launchbot/internal/source/ll2"
	"launchbot/internal/storage"
	"launchbot/internal/task/engine"
	logx "launchbot/pkg/logx"
)

const (
	defaultRetentionSchedule = "03:30"
	defaultRetentionMaxAge   = 72 * time.Hour
	statsSchedule            = "@every 6h"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled && cfg.Telegram.OpsChatID != 0,
			ChatID:     cfg.Telegram.OpsChatID,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./data/launchbot.db"
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSource(cfg *config.Config) (ll2.Config, error) {
	timeout, err := config.DurationOr("source.timeout", cfg.Source.Timeout, 10*time.Second)
	if err != nil {
		return ll2.Config{}, err
	}
	return ll2.Config{
		BaseURL:   cfg.Source.BaseURL,
		Limit:     cfg.Source.Limit,
		Timeout:   timeout,
		UserAgent: cfg.Source.UserAgent,
	}, nil
}

func mapRefresh(cfg *config.Config) (ControllerConfig, reconcile.Config, error) {
	base, err := config.DurationOr("refresh.base_period", cfg.Refresh.BasePeriod, 15*time.Minute)
	if err != nil {
		return ControllerConfig{}, reconcile.Config{}, err
	}
	slip, err := config.DurationOr("refresh.slip_threshold", cfg.Refresh.SlipThreshold, reconcile.DefaultSlipThreshold)
	if err != nil {
		return ControllerConfig{}, reconcile.Config{}, err
	}
	retry, err := config.DurationOr("refresh.retry_delay", cfg.Refresh.RetryDelay, time.Minute)
	if err != nil {
		return ControllerConfig{}, reconcile.Config{}, err
	}
	return ControllerConfig{BasePeriod: base, RetryDelay: retry},
		reconcile.Config{SlipThreshold: slip, RefreshCycle: base},
		nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d := dispatch.DefaultConfig()
	dc := cfg.Dispatch
	if dc.RatePerSec > 0 {
		d.RatePerSec = dc.RatePerSec
	}
	if dc.BurstEvery > 0 {
		d.BurstEvery = dc.BurstEvery
	}
	if dc.RetryMax > 0 {
		d.RetryMax = dc.RetryMax
	}
	var err error
	if d.BurstPause, err = config.DurationOr("dispatch.burst_pause", dc.BurstPause, d.BurstPause); err != nil {
		return dispatch.Config{}, err
	}
	if d.RetryDelay, err = config.DurationOr("dispatch.retry_delay", dc.RetryDelay, d.RetryDelay); err != nil {
		return dispatch.Config{}, err
	}
	if d.SendTimeout, err = config.DurationOr("dispatch.send_timeout", dc.SendTimeout, d.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if d.MissedAfter, err = config.DurationOr("dispatch.missed_after", dc.MissedAfter, d.MissedAfter); err != nil {
		return dispatch.Config{}, err
	}
	return d, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	if tc.Workers > 1 {
		return engine.Config{}, fmt.Errorf("task_engine.workers: refresh and dispatch share one worker, got %d", tc.Workers)
	}
	timeout, err := config.ParseDuration("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        1,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    tc.HistorySize,
		RetryMax:       tc.RetryMax,
	}, nil
}

type retention struct {
	schedule string
	maxAge   time.Duration
}

func mapRetention(cfg *config.Config) (retention, error) {
	maxAge, err := config.DurationOr("retention.max_age", cfg.Retention.MaxAge, defaultRetentionMaxAge)
	if err != nil {
		return retention{}, err
	}
	spec := strings.TrimSpace(cfg.Retention.Schedule)
	if spec == "" {
		spec = defaultRetentionSchedule
	}
	return retention{schedule: spec, maxAge: maxAge}, nil
}

func mapMirror(cfg *config.Config) mirror.Config {
	return mirror.Config{
		Addr:     cfg.Mirror.Addr,
		Password: cfg.Mirror.Password,
		DB:       cfg.Mirror.DB,
		Prefix:   cfg.Mirror.Prefix,
	}
}

// validate runs before a reloaded config is committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, _, err := mapRefresh(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngine(cfg); err != nil {
		return err
	}
	if _, err := mapSource(cfg); err != nil {
		return err
	}
	_, err := mapRetention(cfg)
	return err
}
