package config

import (
	"reflect"
	"strings"

	logx "launchbot/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and log fields that are
// safe to print. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
	}
	if !reflect.DeepEqual(oldCfg.Refresh, newCfg.Refresh) {
		changed = append(changed, "refresh")
		attrs = append(attrs, logx.String("refresh.base_period", newCfg.Refresh.BasePeriod))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.burst_every", newCfg.Dispatch.BurstEvery),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs, logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)))
	}
	if oldCfg.Mirror.Enabled != newCfg.Mirror.Enabled ||
		oldCfg.Mirror.Addr != newCfg.Mirror.Addr ||
		oldCfg.Mirror.DB != newCfg.Mirror.DB ||
		oldCfg.Mirror.Prefix != newCfg.Mirror.Prefix ||
		oldCfg.Mirror.Password != newCfg.Mirror.Password {
		changed = append(changed, "mirror")
		attrs = append(attrs,
			logx.Bool("mirror.enabled", newCfg.Mirror.Enabled),
			logx.Bool("mirror.password_set", newCfg.Mirror.Password != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "task_engine", "mirror", "source":
			out = append(out, s)
		}
	}
	return out
}
