package config

// Config is the static application configuration, loaded from a YAML or JSON
// file. Durations are strings ("5m", "48h") so the file stays readable; they
// are parsed and validated by the mapping helpers in internal/app.
//
// The watch-list and recipient set are NOT here: those live in the SQLite
// store and are owned by the admin surface. This file only configures the
// process itself.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Source   SourceConfig   `json:"source"`
	Monitor  MonitorConfig  `json:"monitor"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// BSEMON_TELEGRAM_TOKEN environment variable instead.
	Token     string `json:"token,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"` // default "HTML"
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	// BaseURL overrides the BSE API endpoint (tests point this at a stub).
	BaseURL          string `json:"base_url,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty"`     // default 30s
	MaxAnnouncements int    `json:"max_announcements,omitempty"` // default 50
}

type MonitorConfig struct {
	CheckInterval  string `json:"check_interval,omitempty"`  // default 5m
	ReloadInterval string `json:"reload_interval,omitempty"` // default 1m
	Lookback       string `json:"lookback,omitempty"`        // default 48h

	// After this many consecutive failed check cycles the next cycle is
	// delayed by FailureCooldown. The loop itself never exits.
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"` // default 3
	FailureCooldown        string `json:"failure_cooldown,omitempty"`         // default 60s
}

type NotifyConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`    // default 5
	RetryBase     string `json:"retry_base,omitempty"`      // default 5s
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default 60s
	SendTimeout   string `json:"send_timeout,omitempty"`    // default 15s
	RatePerSec    int    `json:"rate_per_sec,omitempty"`    // default 3
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
