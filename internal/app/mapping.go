package app

import (
	"fmt"
	"strings"
	"time"

	"bsemon/internal/config"
	"bsemon/internal/monitor"
	"bsemon/internal/notify"
	"bsemon/internal/source/bse"
	"bsemon/internal/store"
	"bsemon/internal/transport/telegram"
	logx "bsemon/pkg/logx"
)

// Mapping helpers translate the string-heavy file config into the typed
// configs each component takes. They double as the reload validator: a bad
// duration rejects the whole reload before anything is applied.

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "bsemon.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSourceConfig(cfg *config.Config) (bse.Config, error) {
	timeout, err := config.ParseDurationField("source.fetch_timeout", cfg.Source.FetchTimeout)
	if err != nil {
		return bse.Config{}, err
	}
	if cfg.Source.MaxAnnouncements < 0 {
		return bse.Config{}, fmt.Errorf("source.max_announcements must be >= 0")
	}
	return bse.Config{
		BaseURL:          cfg.Source.BaseURL,
		Timeout:          timeout,
		MaxAnnouncements: cfg.Source.MaxAnnouncements,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	check, err := config.ParseDurationField("monitor.check_interval", cfg.Monitor.CheckInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	reload, err := config.ParseDurationField("monitor.reload_interval", cfg.Monitor.ReloadInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	lookback, err := config.ParseDurationField("monitor.lookback", cfg.Monitor.Lookback)
	if err != nil {
		return monitor.Config{}, err
	}
	cooldown, err := config.ParseDurationField("monitor.failure_cooldown", cfg.Monitor.FailureCooldown)
	if err != nil {
		return monitor.Config{}, err
	}
	if cfg.Monitor.MaxConsecutiveFailures < 0 {
		return monitor.Config{}, fmt.Errorf("monitor.max_consecutive_failures must be >= 0")
	}
	return monitor.Config{
		CheckInterval:          check,
		ReloadInterval:         reload,
		Lookback:               lookback,
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
		FailureCooldown:        cooldown,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	base, err := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Notify.MaxAttempts < 0 {
		return notify.Config{}, fmt.Errorf("notify.max_attempts must be >= 0")
	}
	if cfg.Notify.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	return notify.Config{
		MaxAttempts:   cfg.Notify.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RatePerSec:    float64(cfg.Notify.RatePerSec),
	}, nil
}

func mapTelegramConfig(cfg *config.Config, token string) (telegram.Config, error) {
	sendTimeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       token,
		ParseMode:   cfg.Telegram.ParseMode,
		SendTimeout: sendTimeout,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
