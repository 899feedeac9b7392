/**
 * Configuration for the OCR socket server
 *
 * Loads configuration from an optional YAML file and environment variables.
 * Environment variables always win over the file.
 */

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration
type Config struct {
	// Listener
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteChunkSize    int           `yaml:"write_chunk_size"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`

	// Queue and workers
	QueueCapacity int `yaml:"queue_capacity"`
	WorkerCount   int `yaml:"workers"`

	// Request defaults
	ImagePath         string `yaml:"image_path"`
	DefaultLanguage   string `yaml:"default_language"`
	DefaultEngine     string `yaml:"default_engine"`
	DefaultCharLevel  bool   `yaml:"default_char_level"`
	DefaultPreprocess bool   `yaml:"default_preprocess"`

	// Image preparation
	UpscaleIfNeeded  bool `yaml:"upscale_if_needed"`
	UpscaleMinWidth  int  `yaml:"upscale_min_width"`
	UpscaleMinHeight int  `yaml:"upscale_min_height"`

	// Character synthesis
	MaxCharsPerDetection int `yaml:"max_chars"`

	// Engines
	WarmupLanguage   string        `yaml:"warmup_language"`
	TesseractEnabled bool          `yaml:"tesseract_enabled"`
	TesseractLevel   string        `yaml:"tesseract_level"`
	SidecarURL       string        `yaml:"sidecar_url"`
	SidecarTimeout   time.Duration `yaml:"sidecar_timeout"`

	// Optional backing services
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	DatabaseURL string        `yaml:"database_url"`
	ResultQueue string        `yaml:"result_queue"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 9999,
		MaxConnections:       5,
		ConnectionTimeout:    60 * time.Second,
		ReadBufferSize:       1024,
		WriteChunkSize:       8192,
		ShutdownGrace:        1 * time.Second,
		QueueCapacity:        10,
		WorkerCount:          2,
		ImagePath:            "image_to_process.png",
		DefaultLanguage:      "english",
		DefaultEngine:        "easyocr",
		DefaultCharLevel:     true,
		DefaultPreprocess:    false,
		UpscaleMinWidth:      1024,
		UpscaleMinHeight:     768,
		MaxCharsPerDetection: 500,
		WarmupLanguage:       "english",
		TesseractEnabled:     true,
		TesseractLevel:       "textline",
		SidecarTimeout:       120 * time.Second,
		CacheTTL:             10 * time.Minute,
		MetricsAddr:          "127.0.0.1:9101",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// LoadConfig loads configuration from OCR_CONFIG_FILE (if set) and environment variables
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("OCR_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = getEnvOrDefault("OCR_HOST", c.Host)
	c.Port = getEnvAsIntOrDefault("OCR_PORT", c.Port)
	c.MaxConnections = getEnvAsIntOrDefault("OCR_MAX_CONNECTIONS", c.MaxConnections)
	c.ConnectionTimeout = getEnvAsDurationOrDefault("OCR_CONNECTION_TIMEOUT", c.ConnectionTimeout)
	c.ReadBufferSize = getEnvAsIntOrDefault("OCR_READ_BUFFER_SIZE", c.ReadBufferSize)
	c.WriteChunkSize = getEnvAsIntOrDefault("OCR_WRITE_CHUNK_SIZE", c.WriteChunkSize)
	c.ShutdownGrace = getEnvAsDurationOrDefault("OCR_SHUTDOWN_GRACE", c.ShutdownGrace)
	c.QueueCapacity = getEnvAsIntOrDefault("OCR_QUEUE_CAPACITY", c.QueueCapacity)
	c.WorkerCount = getEnvAsIntOrDefault("OCR_WORKERS", c.WorkerCount)
	c.ImagePath = getEnvOrDefault("OCR_IMAGE_PATH", c.ImagePath)
	c.DefaultLanguage = getEnvOrDefault("OCR_DEFAULT_LANGUAGE", c.DefaultLanguage)
	c.DefaultEngine = strings.ToLower(getEnvOrDefault("OCR_DEFAULT_ENGINE", c.DefaultEngine))
	c.DefaultCharLevel = getEnvAsBoolOrDefault("OCR_DEFAULT_CHAR_LEVEL", c.DefaultCharLevel)
	c.DefaultPreprocess = getEnvAsBoolOrDefault("OCR_DEFAULT_PREPROCESS", c.DefaultPreprocess)
	c.UpscaleIfNeeded = getEnvAsBoolOrDefault("OCR_UPSCALE_IF_NEEDED", c.UpscaleIfNeeded)
	c.UpscaleMinWidth = getEnvAsIntOrDefault("OCR_UPSCALE_MIN_WIDTH", c.UpscaleMinWidth)
	c.UpscaleMinHeight = getEnvAsIntOrDefault("OCR_UPSCALE_MIN_HEIGHT", c.UpscaleMinHeight)
	c.MaxCharsPerDetection = getEnvAsIntOrDefault("OCR_MAX_CHARS", c.MaxCharsPerDetection)
	c.WarmupLanguage = getEnvOrDefault("OCR_WARMUP_LANGUAGE", c.WarmupLanguage)
	c.TesseractEnabled = getEnvAsBoolOrDefault("OCR_TESSERACT_ENABLED", c.TesseractEnabled)
	c.TesseractLevel = getEnvOrDefault("OCR_TESSERACT_LEVEL", c.TesseractLevel)
	c.SidecarURL = getEnvOrDefault("OCR_SIDECAR_URL", c.SidecarURL)
	c.SidecarTimeout = getEnvAsDurationOrDefault("OCR_SIDECAR_TIMEOUT", c.SidecarTimeout)
	c.RedisURL = getEnvOrDefault("REDIS_URL", c.RedisURL)
	c.CacheTTL = getEnvAsDurationOrDefault("OCR_CACHE_TTL", c.CacheTTL)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.ResultQueue = getEnvOrDefault("OCR_RESULT_QUEUE", c.ResultQueue)
	c.MetricsAddr = getEnvOrDefault("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("OCR_HOST is required")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("OCR_PORT must be between 1 and 65535, got %d", c.Port)
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("OCR_MAX_CONNECTIONS must be at least 1, got %d", c.MaxConnections)
	}

	if c.QueueCapacity < 1 || c.QueueCapacity > 10000 {
		return fmt.Errorf("OCR_QUEUE_CAPACITY must be between 1 and 10000, got %d", c.QueueCapacity)
	}

	if c.WorkerCount < 1 || c.WorkerCount > 64 {
		return fmt.Errorf("OCR_WORKERS must be between 1 and 64, got %d", c.WorkerCount)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("OCR_CONNECTION_TIMEOUT must be positive, got %v", c.ConnectionTimeout)
	}

	if c.ReadBufferSize < 64 || c.ReadBufferSize > 1048576 {
		return fmt.Errorf("OCR_READ_BUFFER_SIZE must be between 64B and 1MB, got %d", c.ReadBufferSize)
	}

	if c.WriteChunkSize < 512 || c.WriteChunkSize > 1048576 {
		return fmt.Errorf("OCR_WRITE_CHUNK_SIZE must be between 512B and 1MB, got %d", c.WriteChunkSize)
	}

	if c.MaxCharsPerDetection < 1 {
		return fmt.Errorf("OCR_MAX_CHARS must be at least 1, got %d", c.MaxCharsPerDetection)
	}

	if c.ImagePath == "" {
		return fmt.Errorf("OCR_IMAGE_PATH is required")
	}

	if c.DefaultEngine == "" {
		return fmt.Errorf("OCR_DEFAULT_ENGINE is required")
	}

	if c.ResultQueue != "" && c.RedisURL == "" {
		return fmt.Errorf("OCR_RESULT_QUEUE requires REDIS_URL")
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain seconds ("90")
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}

	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	return defaultValue
}
