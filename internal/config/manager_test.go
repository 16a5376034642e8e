package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  parse_mode: "HTML"
monitor:
  check_interval: "5m"
  lookback: "48h"
notify:
  max_attempts: 5
logging:
  console: true
`)
	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "HTML", cfg.Telegram.ParseMode)
	require.Equal(t, "5m", cfg.Monitor.CheckInterval)
	require.Equal(t, 5, cfg.Notify.MaxAttempts)
	require.True(t, cfg.Logging.Console)
	require.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
monitor:
  check_intervall: "5m"
`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"logging":{"console":true}}{"x":1}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("monitor.lookback", "48h")
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, d)

	d, err = ParseDurationField("monitor.lookback", "")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationField("monitor.lookback", "two days")
	require.Error(t, err)
	_, err = ParseDurationField("monitor.lookback", "-5m")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("monitor.check_interval", "", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)
}

func TestPublishKeepsLatestForSlowSubscribers(t *testing.T) {
	m := NewManager("unused")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{Logging: LoggingConfig{Level: "debug"}}
	second := &Config{Logging: LoggingConfig{Level: "info"}}
	m.publish(first)
	m.publish(second) // buffer full: oldest is dropped, newest delivered

	got := <-sub
	require.Equal(t, "info", got.Logging.Level)
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra config: %+v", extra)
	default:
	}
}
