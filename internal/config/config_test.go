package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OCR_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Addr())
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.QueueCapacity)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 60*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, "easyocr", cfg.DefaultEngine)
	assert.True(t, cfg.DefaultCharLevel)
	assert.False(t, cfg.DefaultPreprocess)
	assert.Equal(t, 500, cfg.MaxCharsPerDetection)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OCR_PORT", "10001")
	t.Setenv("OCR_WORKERS", "4")
	t.Setenv("OCR_DEFAULT_ENGINE", "PaddleOCR")
	t.Setenv("OCR_DEFAULT_CHAR_LEVEL", "false")
	t.Setenv("OCR_CONNECTION_TIMEOUT", "15")
	t.Setenv("OCR_SHUTDOWN_GRACE", "250ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10001, cfg.Port)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, "paddleocr", cfg.DefaultEngine)
	assert.False(t, cfg.DefaultCharLevel)
	assert.Equal(t, 15*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ShutdownGrace)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ocr.yaml")
	content := "port: 7000\nqueue_capacity: 3\ndefault_language: japan\nconnection_timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("OCR_CONFIG_FILE", path)
	t.Setenv("OCR_QUEUE_CAPACITY", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 4, cfg.QueueCapacity)
	assert.Equal(t, "japan", cfg.DefaultLanguage)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("OCR_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, wantErr: true},
		{name: "no workers", mutate: func(c *Config) { c.WorkerCount = 0 }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.QueueCapacity = 0 }, wantErr: true},
		{name: "zero connections", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "tiny chunk", mutate: func(c *Config) { c.WriteChunkSize = 1 }, wantErr: true},
		{name: "result queue without redis", mutate: func(c *Config) { c.ResultQueue = "ocr:results" }, wantErr: true},
		{name: "result queue with redis", mutate: func(c *Config) {
			c.ResultQueue = "ocr:results"
			c.RedisURL = "redis://localhost:6379"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
