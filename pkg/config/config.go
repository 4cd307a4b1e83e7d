package config

import (
	"fmt"
	"os"
	"time"

	"opsdeck/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string   `yaml:"address"`
		ReadTimeout     Duration `yaml:"read_timeout"`
		WriteTimeout    Duration `yaml:"write_timeout"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Dashboard struct {
		UpdateInterval     Duration `yaml:"update_interval"`
		HistoryCapacity    int      `yaml:"history_capacity"`
		SessionIdleTimeout Duration `yaml:"session_idle_timeout"`
		SweepInterval      Duration `yaml:"sweep_interval"`
		MaxSessions        int      `yaml:"max_sessions"`
		SessionQueueLimit  int      `yaml:"session_queue_limit"`
		ResumeGracePeriod  Duration `yaml:"resume_grace_period"`
	} `yaml:"dashboard"`

	Command struct {
		Timeout   Duration `yaml:"timeout"`
		Workers   int      `yaml:"workers"`
		QueueSize int      `yaml:"queue_size"`
	} `yaml:"command"`

	Alerts struct {
		SuppressionWindow Duration               `yaml:"suppression_window"`
		RetainedEvents    int                    `yaml:"retained_events"`
		Rules             []domain.ThresholdRule `yaml:"rules"`
	} `yaml:"alerts"`

	Auth struct {
		JWTSecret      string   `yaml:"jwt_secret"`
		TokenTTL       Duration `yaml:"token_ttl"`
		AdminToken     string   `yaml:"admin_token"`
		UserToken      string   `yaml:"user_token"`
		AllowAnonymous bool     `yaml:"allow_anonymous"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Collectors struct {
		SystemEnabled  bool     `yaml:"system_enabled"`
		SystemInterval Duration `yaml:"system_interval"`
	} `yaml:"collectors"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
		Environment string  `yaml:"environment"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Dashboard
	if c.Dashboard.UpdateInterval <= 0 {
		return fmt.Errorf("dashboard.update_interval must be > 0")
	}
	if c.Dashboard.HistoryCapacity <= 0 {
		return fmt.Errorf("dashboard.history_capacity must be > 0")
	}
	if c.Dashboard.SessionIdleTimeout <= 0 {
		return fmt.Errorf("dashboard.session_idle_timeout must be > 0")
	}
	if c.Dashboard.SweepInterval <= 0 {
		return fmt.Errorf("dashboard.sweep_interval must be > 0")
	}
	if c.Dashboard.MaxSessions <= 0 {
		return fmt.Errorf("dashboard.max_sessions must be > 0")
	}
	if c.Dashboard.SessionQueueLimit <= 0 {
		return fmt.Errorf("dashboard.session_queue_limit must be > 0")
	}
	if c.Dashboard.ResumeGracePeriod < 0 {
		return fmt.Errorf("dashboard.resume_grace_period must be >= 0")
	}

	// Command
	if c.Command.Timeout <= 0 {
		return fmt.Errorf("command.timeout must be > 0")
	}
	if c.Command.Workers <= 0 {
		return fmt.Errorf("command.workers must be > 0")
	}
	if c.Command.QueueSize <= 0 {
		return fmt.Errorf("command.queue_size must be > 0")
	}

	// Alerts
	if c.Alerts.SuppressionWindow <= 0 {
		return fmt.Errorf("alerts.suppression_window must be > 0")
	}
	if c.Alerts.RetainedEvents <= 0 {
		return fmt.Errorf("alerts.retained_events must be > 0")
	}
	for i, rule := range c.Alerts.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("alerts.rules[%d]: %w", i, err)
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if !c.Auth.AllowAnonymous && c.Auth.UserToken == "" && c.Auth.AdminToken == "" {
		return fmt.Errorf("auth: at least one of user_token/admin_token required when allow_anonymous=false")
	}

	// Collectors
	if c.Collectors.SystemEnabled && c.Collectors.SystemInterval <= 0 {
		return fmt.Errorf("collectors.system_interval must be > 0 when system_enabled=true")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = Duration(30 * time.Second)
	cfg.Server.WriteTimeout = Duration(30 * time.Second)
	cfg.Server.ShutdownTimeout = Duration(30 * time.Second)

	cfg.Dashboard.UpdateInterval = Duration(100 * time.Millisecond)
	cfg.Dashboard.HistoryCapacity = 1000
	cfg.Dashboard.SessionIdleTimeout = Duration(60 * time.Second)
	cfg.Dashboard.SweepInterval = Duration(1 * time.Second)
	cfg.Dashboard.MaxSessions = 256
	cfg.Dashboard.SessionQueueLimit = 200
	cfg.Dashboard.ResumeGracePeriod = Duration(300 * time.Second)

	cfg.Command.Timeout = Duration(30 * time.Second)
	cfg.Command.Workers = 4
	cfg.Command.QueueSize = 64

	cfg.Alerts.SuppressionWindow = Duration(60 * time.Second)
	cfg.Alerts.RetainedEvents = 100
	cfg.Alerts.Rules = []domain.ThresholdRule{
		{Channel: domain.ChannelSystem, Field: "cpu_percent", Comparator: domain.CompareGT, Value: 90, Level: domain.AlertCritical, Message: "CPU usage above 90%"},
		{Channel: domain.ChannelSystem, Field: "cpu_percent", Comparator: domain.CompareGT, Value: 70, Level: domain.AlertWarning, Message: "CPU usage above 70%"},
		{Channel: domain.ChannelSystem, Field: "memory_percent", Comparator: domain.CompareGT, Value: 90, Level: domain.AlertCritical, Message: "memory usage above 90%"},
		{Channel: domain.ChannelSystem, Field: "memory_percent", Comparator: domain.CompareGT, Value: 70, Level: domain.AlertWarning, Message: "memory usage above 70%"},
		{Channel: domain.ChannelSystem, Field: "disk_percent", Comparator: domain.CompareGT, Value: 95, Level: domain.AlertCritical, Message: "disk usage above 95%"},
		{Channel: domain.ChannelSecurity, Field: "high_issues", Comparator: domain.CompareGT, Value: 0, Level: domain.AlertError, Message: "high severity security findings"},
	}

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	cfg.Auth.AllowAnonymous = true
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Collectors.SystemEnabled = true
	cfg.Collectors.SystemInterval = Duration(5 * time.Second)

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0
	cfg.Tracing.Environment = "development"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("OPSDECK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("OPSDECK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("OPSDECK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if token := os.Getenv("OPSDECK_ADMIN_TOKEN"); token != "" {
		c.Auth.AdminToken = token
	}
	if addr := os.Getenv("OPSDECK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
