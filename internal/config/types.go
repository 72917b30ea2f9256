package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "15m"). Empty fields take the defaults listed per field.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Source     SourceConfig     `json:"source"`
	Refresh    RefreshConfig    `json:"refresh"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Retention  RetentionConfig  `json:"retention"`
	Mirror     MirrorConfig     `json:"mirror"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default 10s
	// OpsChatID receives log alerts when logging.alerts is enabled.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"` // default warn
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the event store.
//
//	"storage": { "driver": "sqlite", "path": "./data/launchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Limit     int    `json:"limit,omitempty"`   // default 30
	Timeout   string `json:"timeout,omitempty"` // default 10s
	UserAgent string `json:"user_agent,omitempty"`
}

type RefreshConfig struct {
	BasePeriod    string `json:"base_period,omitempty"`    // default 15m
	SlipThreshold string `json:"slip_threshold,omitempty"` // default 5m
	// RetryDelay re-arms the refresh after a failed fetch. Default 60s.
	RetryDelay string `json:"retry_delay,omitempty"`
}

type DispatchConfig struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // default 4
	BurstEvery  int     `json:"burst_every,omitempty"`  // default 50
	BurstPause  string  `json:"burst_pause,omitempty"`  // default 3s
	RetryMax    int     `json:"retry_max,omitempty"`    // default 5
	RetryDelay  string  `json:"retry_delay,omitempty"`  // default 1s
	SendTimeout string  `json:"send_timeout,omitempty"` // default 15s
	MissedAfter string  `json:"missed_after,omitempty"` // default 5m
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"` // default 1
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "03:30"
	MaxAge   string `json:"max_age,omitempty"`  // default 72h
}

// MirrorConfig publishes the next wake-up times to Redis for monitoring.
type MirrorConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"` // default 127.0.0.1:6379
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}
