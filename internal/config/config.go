// Package config holds the gateway's process configuration: built-in
// defaults (Default) and an overlay from the OS environment (FromEnv).
// cmd/ccgateway loads an optional .env file into the environment before
// FromEnv and applies CLI flags after it, so the precedence is
// defaults < .env < environment < flags. Grounded on the teacher's
// internal/profile.Profile FromEnv/Validate pattern and its
// cmd/divinesense/main.go cobra+viper wiring.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is the fully resolved, validated process configuration.
type Config struct {
	Addr string
	Port int

	WorkerConcurrency      int
	MaxQueueSize           int
	RequestTimeout         time.Duration
	QueueTimeout           time.Duration
	SessionTTL             time.Duration
	MaxSessionsPerKey      int
	SessionCleanupInterval time.Duration

	SessionDBPath string
	TaskDBPath    string
	TaskRetention time.Duration

	DefaultModel        string
	DefaultWorkspaceDir string

	TelegramBotToken string
	TelegramChatID   int64
}

// Default returns the built-in defaults, matching spec.md §6 and
// SPEC_FULL.md's gateway-only additions.
func Default() Config {
	return Config{
		Addr: "",
		Port: 8089,

		WorkerConcurrency:      2,
		MaxQueueSize:           100,
		RequestTimeout:         300 * time.Second,
		QueueTimeout:           60 * time.Second,
		SessionTTL:             time.Hour,
		MaxSessionsPerKey:      10,
		SessionCleanupInterval: time.Minute,

		SessionDBPath: "ccgateway_sessions.db",
		TaskDBPath:    "ccgateway_tasks.db",
		TaskRetention: time.Hour,

		DefaultModel:        "",
		DefaultWorkspaceDir: ".",
	}
}

// getEnvOrDefault mirrors the teacher's profile.getEnvOrDefault.
func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvOrDefaultInt(key, int(defaultValue.Milliseconds()))
	return time.Duration(ms) * time.Millisecond
}

// FromEnv overlays environment variables (prefix CCGATEWAY_) onto the
// receiver, in the style of the teacher's Profile.FromEnv.
func (c *Config) FromEnv() {
	c.Addr = getEnvOrDefault("CCGATEWAY_ADDR", c.Addr)
	c.Port = getEnvOrDefaultInt("CCGATEWAY_PORT", c.Port)

	c.WorkerConcurrency = getEnvOrDefaultInt("CCGATEWAY_WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.MaxQueueSize = getEnvOrDefaultInt("CCGATEWAY_MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.RequestTimeout = getEnvOrDefaultMillis("CCGATEWAY_REQUEST_TIMEOUT_MILLIS", c.RequestTimeout)
	c.QueueTimeout = getEnvOrDefaultMillis("CCGATEWAY_QUEUE_TIMEOUT_MILLIS", c.QueueTimeout)
	c.SessionTTL = getEnvOrDefaultMillis("CCGATEWAY_SESSION_TTL_MILLIS", c.SessionTTL)
	c.MaxSessionsPerKey = getEnvOrDefaultInt("CCGATEWAY_MAX_SESSIONS_PER_KEY", c.MaxSessionsPerKey)
	c.SessionCleanupInterval = getEnvOrDefaultMillis("CCGATEWAY_SESSION_CLEANUP_INTERVAL_MILLIS", c.SessionCleanupInterval)

	c.SessionDBPath = getEnvOrDefault("CCGATEWAY_SESSION_DB_PATH", c.SessionDBPath)
	c.TaskDBPath = getEnvOrDefault("CCGATEWAY_TASK_DB_PATH", c.TaskDBPath)
	taskRetentionHours := getEnvOrDefaultInt("CCGATEWAY_TASK_RETENTION_HOURS", int(c.TaskRetention.Hours()))
	c.TaskRetention = time.Duration(taskRetentionHours) * time.Hour

	c.DefaultModel = getEnvOrDefault("CCGATEWAY_DEFAULT_MODEL", c.DefaultModel)
	c.DefaultWorkspaceDir = getEnvOrDefault("CCGATEWAY_DEFAULT_WORKSPACE_DIR", c.DefaultWorkspaceDir)

	c.TelegramBotToken = getEnvOrDefault("CCGATEWAY_TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramChatID = int64(getEnvOrDefaultInt("CCGATEWAY_TELEGRAM_CHAT_ID", int(c.TelegramChatID)))
}

// Validate checks that the resolved configuration is internally
// consistent, in the style of the teacher's Profile.Validate.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("workerConcurrency must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return errors.New("maxQueueSize must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("requestTimeoutMillis must be positive")
	}
	if c.QueueTimeout <= 0 {
		return errors.New("queueTimeoutMillis must be positive")
	}
	if c.SessionTTL <= 0 {
		return errors.New("sessionTTLMillis must be positive")
	}
	if c.MaxSessionsPerKey <= 0 {
		return errors.New("maxSessionsPerKey must be positive")
	}
	if c.SessionDBPath == "" {
		return errors.New("sessionDbPath must be set")
	}
	if c.TaskDBPath == "" {
		return errors.New("taskDbPath must be set")
	}
	return nil
}

// TelegramConfigured reports whether a bot token and destination chat
// are both set, the condition under which the gateway wires a real
// Telegram notifier instead of a no-op one.
func (c *Config) TelegramConfigured() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// IsRunningAsSystemdService detects systemd invocation, matching the
// teacher's cmd/divinesense/main.go isRunningAsSystemdService.
func IsRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}
