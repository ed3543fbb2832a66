package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	API      APIConfig      `json:"api"`
	Stream   StreamConfig   `json:"stream"`
	Capture  CaptureConfig  `json:"capture"`
	Auth     AuthConfig     `json:"auth"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type APIConfig struct {
	BaseURL    string        `json:"base_url"`
	StreamPath string        `json:"stream_path"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

type StreamConfig struct {
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout"`
	PingInterval         time.Duration `json:"ping_interval"`
	ReadLimit            int64         `json:"read_limit"`
	AutoConnect          bool          `json:"auto_connect"`
}

type CaptureConfig struct {
	FramesDir      string        `json:"frames_dir"`
	FrameInterval  time.Duration `json:"frame_interval"`
	DataURL        bool          `json:"data_url"`
	SkipDuplicates bool          `json:"skip_duplicates"`
}

type AuthConfig struct {
	Token    string `json:"-"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	MaxRequestSize int64    `json:"max_request_size"`
	RequireRole    bool     `json:"require_role"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "127.0.0.1"),
			Port:         getEnvAsInt("SERVER_PORT", 8090),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		API: APIConfig{
			BaseURL:    getEnv("API_URL", "http://localhost:8000"),
			StreamPath: getEnv("STREAM_PATH", "/api/v1/monitoring/ws"),
			Timeout:    getEnvAsDuration("API_TIMEOUT", 10*time.Second),
			MaxRetries: getEnvAsInt("API_MAX_RETRIES", 2),
			RetryDelay: getEnvAsDuration("API_RETRY_DELAY", 500*time.Millisecond),
		},
		Stream: StreamConfig{
			ReconnectDelay:       getEnvAsDuration("STREAM_RECONNECT_DELAY", 2*time.Second),
			MaxReconnectAttempts: getEnvAsInt("STREAM_MAX_RECONNECT_ATTEMPTS", 5),
			HandshakeTimeout:     getEnvAsDuration("STREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
			PingInterval:         getEnvAsDuration("STREAM_PING_INTERVAL", 0),
			ReadLimit:            getEnvAsInt64("STREAM_READ_LIMIT", 16*1024*1024),
			AutoConnect:          getEnvAsBool("STREAM_AUTO_CONNECT", true),
		},
		Capture: CaptureConfig{
			FramesDir:      getEnv("CAPTURE_FRAMES_DIR", ""),
			FrameInterval:  getEnvAsDuration("CAPTURE_FRAME_INTERVAL", 200*time.Millisecond),
			DataURL:        getEnvAsBool("CAPTURE_DATA_URL", false),
			SkipDuplicates: getEnvAsBool("CAPTURE_SKIP_DUPLICATES", true),
		},
		Auth: AuthConfig{
			Token:    getEnv("ACCESS_TOKEN", ""),
			Username: getEnv("AUTH_USERNAME", ""),
			Password: getEnv("AUTH_PASSWORD", ""),
		},
		Security: SecurityConfig{
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 50),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 100),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 8*1024*1024),
			RequireRole:    getEnvAsBool("REQUIRE_ROLE", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server port must be between 1 and 65535")
	}

	if c.API.BaseURL == "" {
		problems = append(problems, "API base URL is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Host == "" {
		problems = append(problems, "API base URL must be an absolute URL")
	}

	if !strings.HasPrefix(c.API.StreamPath, "/") {
		problems = append(problems, "stream path must start with /")
	}

	if c.Stream.ReconnectDelay <= 0 {
		problems = append(problems, "reconnect delay must be positive")
	}

	if c.Stream.MaxReconnectAttempts < 1 {
		problems = append(problems, "max reconnect attempts must be at least 1")
	}

	if c.Stream.PingInterval < 0 {
		problems = append(problems, "ping interval cannot be negative")
	}

	if c.Capture.FramesDir != "" && c.Capture.FrameInterval <= 0 {
		problems = append(problems, "frame interval must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		problems = append(problems, "max request size must be positive")
	}

	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst <= 0 {
		problems = append(problems, "rate limit rps and burst must be positive")
	}

	if c.Auth.Token == "" && (c.Auth.Username == "" || c.Auth.Password == "") {
		logger.Warn("No access token or login credentials configured, stream will not connect until a token is provided")
	}

	if c.Capture.FramesDir == "" {
		logger.Warn("No frames directory configured, frames must be pushed through the control API")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, ", "))
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
