package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Detector DetectorConfig `json:"detector"`
	Security SecurityConfig `json:"security"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Engine   EngineConfig   `json:"engine"`
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

// DetectorConfig points at the remote object-detection model wrapper. Frames
// that already carry detections never reach it.
type DetectorConfig struct {
	Enabled             bool          `json:"enabled"`
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins"`
	MetricsIPs     []string      `json:"metrics_allowed_ips"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

// DatabaseConfig selects the mount-profile store. An empty Path keeps
// profiles in memory.
type DatabaseConfig struct {
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"`
	MaxConns    int           `json:"max_connections"`
}

type MQTTConfig struct {
	Enabled     bool          `json:"enabled"`
	BrokerURL   string        `json:"broker_url"`
	ClientID    string        `json:"client_id"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	TopicPrefix string        `json:"topic_prefix"`
	QoS         int           `json:"qos"`
	Timeout     time.Duration `json:"timeout"`
}

type EngineConfig struct {
	TuningFile         string        `json:"tuning_file"`
	DefaultMode        string        `json:"default_mode"`
	DefaultProfile     string        `json:"default_profile"`
	MaxSessions        int           `json:"max_sessions"`
	SessionIdleTimeout time.Duration `json:"session_idle_timeout"`
	TelemetryMaxAge    time.Duration `json:"telemetry_max_age"`
	StatsInterval      time.Duration `json:"stats_interval"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Detector: DetectorConfig{
			Enabled:             getEnvAsBool("DETECTOR_ENABLED", false),
			BaseURL:             getEnv("DETECTOR_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("DETECTOR_TIMEOUT", 2*time.Second),
			MaxRetries:          getEnvAsInt("DETECTOR_MAX_RETRIES", 1),
			RetryDelay:          getEnvAsDuration("DETECTOR_RETRY_DELAY", 100*time.Millisecond),
			HealthCheckInterval: getEnvAsDuration("DETECTOR_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			MetricsIPs:     getEnvAsStringSlice("METRICS_ALLOWED_IPS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Path:        getEnv("DB_PATH", "rider_fcw.db"),
			BusyTimeout: getEnvAsDuration("DB_BUSY_TIMEOUT", 5*time.Second),
			MaxConns:    getEnvAsInt("DB_MAX_CONNS", 1),
		},
		MQTT: MQTTConfig{
			Enabled:     getEnvAsBool("MQTT_ENABLED", false),
			BrokerURL:   getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
			ClientID:    getEnv("MQTT_CLIENT_ID", "rider-fcw"),
			Username:    getEnv("MQTT_USERNAME", ""),
			Password:    getEnv("MQTT_PASSWORD", ""),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "rider"),
			QoS:         getEnvAsInt("MQTT_QOS", 0),
			Timeout:     getEnvAsDuration("MQTT_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			TuningFile:         getEnv("TUNING_FILE", ""),
			DefaultMode:        getEnv("ALERT_MODE", "city"),
			DefaultProfile:     getEnv("MOUNT_PROFILE", "default"),
			MaxSessions:        getEnvAsInt("MAX_SESSIONS", 64),
			SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),
			TelemetryMaxAge:    getEnvAsDuration("TELEMETRY_MAX_AGE", 2*time.Second),
			StatsInterval:      getEnvAsDuration("STATS_INTERVAL", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Detector.Enabled && c.Detector.BaseURL == "" {
		errors = append(errors, "detector base URL is required when the detector is enabled")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, profile writes are unauthenticated")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Database.Path == "" {
		logger.Warn("database path not set, mount profiles will not survive a restart")
	}

	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		errors = append(errors, "MQTT broker URL is required when MQTT is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errors = append(errors, "MQTT QoS must be 0, 1 or 2")
	}

	switch strings.ToLower(c.Engine.DefaultMode) {
	case "city", "sport", "user":
	default:
		errors = append(errors, fmt.Sprintf("unknown alert mode %q", c.Engine.DefaultMode))
	}

	if c.Engine.MaxSessions < 1 {
		errors = append(errors, "max sessions must be positive")
	}

	if c.Engine.TelemetryMaxAge <= 0 {
		errors = append(errors, "telemetry max age must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
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
