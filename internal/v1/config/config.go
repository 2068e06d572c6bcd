package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/types"
)

// Config holds validated environment configuration for the VR host.
type Config struct {
	Port      string
	AdminPort string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Streaming
	StreamEnabled        bool
	StreamFPS            int
	StreamQuality        int
	StreamWidth          int
	StreamHeight         int
	StreamMaxQueued      int
	AdaptiveQuality      bool
	SkipWhenBusy         bool
	SendPacing           time.Duration
	MaxConsecutiveErrors int
	HandshakeTimeout     time.Duration
	MaxMessageBytes      int
	UpdateHz             int
	LevelDuration        time.Duration
	DefaultMode          types.GameMode

	// Optional backends
	RedisEnabled      bool
	RedisAddr         string
	RedisPassword     string
	MatchDBPath       string
	OtelCollectorAddr string
	OtelPlaintext     bool

	// Rate limits (ulule formatted, e.g. "60-M")
	RateLimitAcceptIP string
	RateLimitAPI      string
}

// TabletConfig holds validated configuration for the tablet client.
type TabletConfig struct {
	ServerAddr           string
	ConnectTimeout       time.Duration
	Mode                 types.GameMode
	MaxConsecutiveErrors int
	MaxMessageBytes      int
	Reconnect            bool
	SnapshotPath         string

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
}

// ValidateEnv validates the host environment variables and returns a Config object.
// Every problem found is reported in a single error.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Empty ADMIN_PORT disables the admin HTTP surface
	cfg.AdminPort = getEnvOrDefault("ADMIN_PORT", "9090")
	if cfg.AdminPort != "" {
		if !isValidPort(cfg.AdminPort) {
			errors = append(errors, fmt.Sprintf("ADMIN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.AdminPort))
		} else if cfg.AdminPort == cfg.Port {
			errors = append(errors, "ADMIN_PORT must differ from PORT")
		}
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.StreamEnabled = getBoolEnv("STREAM_ENABLED", true, &errors)
	cfg.StreamFPS = getIntEnv("STREAM_FPS", 30, 1, 120, &errors)
	cfg.StreamQuality = getIntEnv("STREAM_QUALITY", 50, 1, 100, &errors)
	cfg.StreamWidth = getIntEnv("STREAM_WIDTH", 640, 16, 4096, &errors)
	cfg.StreamHeight = getIntEnv("STREAM_HEIGHT", 480, 16, 4096, &errors)
	cfg.StreamMaxQueued = getIntEnv("STREAM_MAX_QUEUED", 2, 1, 64, &errors)
	cfg.AdaptiveQuality = getBoolEnv("STREAM_ADAPTIVE_QUALITY", true, &errors)
	cfg.SkipWhenBusy = getBoolEnv("STREAM_SKIP_WHEN_BUSY", true, &errors)
	cfg.SendPacing = time.Duration(getIntEnv("SEND_PACING_MS", 10, 0, 1000, &errors)) * time.Millisecond
	cfg.MaxConsecutiveErrors = getIntEnv("MAX_CONSECUTIVE_ERRORS", 5, 1, 1000, &errors)
	cfg.HandshakeTimeout = time.Duration(getIntEnv("HANDSHAKE_TIMEOUT_MS", 5000, 100, 60000, &errors)) * time.Millisecond
	cfg.MaxMessageBytes = getIntEnv("MAX_MESSAGE_BYTES", 1<<20, 1024, 64<<20, &errors)
	cfg.UpdateHz = getIntEnv("UPDATE_HZ", 60, 1, 1000, &errors)
	cfg.LevelDuration = time.Duration(getIntEnv("LEVEL_DURATION_SECONDS", 90, 1, 3600, &errors)) * time.Second

	mode, err := types.ParseGameMode(getEnvOrDefault("DEFAULT_MODE", "Chef"))
	if err != nil || mode == types.ModeNone {
		errors = append(errors, fmt.Sprintf("DEFAULT_MODE must be 'Chef' or 'Soldado' (got '%s')", os.Getenv("DEFAULT_MODE")))
	}
	cfg.DefaultMode = mode

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.MatchDBPath = os.Getenv("MATCH_DB_PATH")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.OtelPlaintext = getBoolEnv("OTEL_INSECURE", true, &errors)
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}

	// Rate Limits (M = Minute, H = Hour)
	cfg.RateLimitAcceptIP = getEnvOrDefault("RATE_LIMIT_ACCEPT_IP", "60-M")
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "300-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ValidateTabletEnv validates the environment for the tablet client.
func ValidateTabletEnv() (*TabletConfig, error) {
	cfg := &TabletConfig{}
	var errors []string

	cfg.ServerAddr = getEnvOrDefault("TABLET_SERVER_ADDR", "127.0.0.1:8080")
	if !isValidHostPort(cfg.ServerAddr) {
		errors = append(errors, fmt.Sprintf("TABLET_SERVER_ADDR must be in format 'host:port' (got '%s')", cfg.ServerAddr))
	}

	cfg.ConnectTimeout = time.Duration(getIntEnv("TABLET_CONNECT_TIMEOUT_SECONDS", 10, 1, 300, &errors)) * time.Second
	cfg.MaxConsecutiveErrors = getIntEnv("TABLET_MAX_CONSECUTIVE_ERRORS", 10, 1, 1000, &errors)
	cfg.MaxMessageBytes = getIntEnv("MAX_MESSAGE_BYTES", 2<<20, 1024, 64<<20, &errors)
	cfg.Reconnect = getBoolEnv("TABLET_RECONNECT", true, &errors)
	cfg.SnapshotPath = os.Getenv("TABLET_SNAPSHOT_PATH")

	mode, err := types.ParseGameMode(getEnvOrDefault("TABLET_MODE", "Chef"))
	if err != nil || mode == types.ModeNone {
		errors = append(errors, fmt.Sprintf("TABLET_MODE must be 'Chef' or 'Soldado' (got '%s')", os.Getenv("TABLET_MODE")))
	}
	cfg.Mode = mode

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	slog.Info("✅ Tablet configuration validated successfully",
		"server_addr", cfg.ServerAddr,
		"mode", cfg.Mode,
		"connect_timeout", cfg.ConnectTimeout,
		"reconnect", cfg.Reconnect,
	)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"admin_port", cfg.AdminPort,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"stream", fmt.Sprintf("%dx%d@%dfps q%d", cfg.StreamWidth, cfg.StreamHeight, cfg.StreamFPS, cfg.StreamQuality),
		"max_queued", cfg.StreamMaxQueued,
		"default_mode", cfg.DefaultMode,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"match_db", cfg.MatchDBPath,
		"otel_collector", cfg.OtelCollectorAddr,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getIntEnv parses an integer variable within [lo, hi], recording a validation error otherwise.
func getIntEnv(key string, defaultValue, lo, hi int, errors *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer between %d and %d (got '%s')", key, lo, hi, raw))
		return defaultValue
	}
	return v
}

func getBoolEnv(key string, defaultValue bool, errors *[]string) bool {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be a boolean (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
