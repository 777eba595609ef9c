package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backpack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DeviceAddress)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.TransportTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 64, cfg.EventBuffer)
	assert.Equal(t, uint32(256), cfg.HistorySize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "overrides keep remaining defaults",
			content: `
log_level: debug
device_address: AA:BB:CC:DD:EE:FF
poll_interval: 2s
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, logrus.DebugLevel, cfg.Level())
				assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.DeviceAddress)
				assert.Equal(t, 2*time.Second, cfg.PollInterval)
				assert.Equal(t, 200*time.Millisecond, cfg.TransportTimeout, "unset keys MUST keep their defaults")
				assert.Equal(t, 64, cfg.EventBuffer)
			},
		},
		{
			name:    "empty file is all defaults",
			content: "",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultConfig(), cfg)
			},
		},
		{
			name:    "unknown key",
			content: "poll_intervall: 1s\n",
			wantErr: "poll_intervall",
		},
		{
			name:    "bad level",
			content: "log_level: chatty\n",
			wantErr: "not a valid logrus Level",
		},
		{
			name:    "negative interval",
			content: "poll_interval: -1s\n",
			wantErr: "poll_interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", level: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with warn level", level: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", level: "error", expected: logrus.ErrorLevel},
		{name: "falls back to info", level: "", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
