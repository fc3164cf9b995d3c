package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/mq"
	"runbox/internal/execution/language"
	"runbox/internal/execution/sandbox/security"
	"runbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 90 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	jwtSecretEnv = "RUNBOX_JWT_SECRET"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// WorkerConfig sizes the slot pool and its queue.
type WorkerConfig struct {
	PoolSize   int           `yaml:"poolSize"`
	QueueDepth int           `yaml:"queueDepth"`
	QueueWait  time.Duration `yaml:"queueWait"`
}

// LimitsConfig bounds request and output sizes.
type LimitsConfig struct {
	MaxSourceBytes   int           `yaml:"maxSourceBytes"`
	MaxStdinBytes    int           `yaml:"maxStdinBytes"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
	GracePeriod      time.Duration `yaml:"gracePeriod"`
}

// SandboxConfig controls isolation.
type SandboxConfig struct {
	HelperPath       string                    `yaml:"helperPath"`
	WorkRoot         string                    `yaml:"workRoot"`
	CgroupRoot       string                    `yaml:"cgroupRoot"`
	EnableNamespaces bool                      `yaml:"enableNamespaces"`
	EnableSeccomp    bool                      `yaml:"enableSeccomp"`
	EnableCgroup     bool                      `yaml:"enableCgroup"`
	RunAsUID         *int                      `yaml:"runAsUid"`
	RunAsGID         *int                      `yaml:"runAsGid"`
	Isolation        security.IsolationProfile `yaml:"isolation"`
	StaleAfter       time.Duration             `yaml:"staleAfter"`
	SweepInterval    time.Duration             `yaml:"sweepInterval"`
}

// AuthConfig enables bearer-token checks on run endpoints when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// RateLimitConfig is a process-wide token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// QuotaConfig is a per-caller fixed window shared through Redis.
type QuotaConfig struct {
	Window       time.Duration `yaml:"window"`
	UserMax      int           `yaml:"userMax"`
	IPMax        int           `yaml:"ipMax"`
	RedisTimeout time.Duration `yaml:"redisTimeout"`
}

// EventsConfig publishes one event per finished job when Enabled.
type EventsConfig struct {
	Enabled bool           `yaml:"enabled"`
	Topic   string         `yaml:"topic"`
	Kafka   mq.KafkaConfig `yaml:"kafka"`
}

// AppConfig holds exec-service configuration.
type AppConfig struct {
	Server    ServerConfig                `yaml:"server"`
	Logger    logger.Config               `yaml:"logger"`
	Worker    WorkerConfig                `yaml:"worker"`
	Limits    LimitsConfig                `yaml:"limits"`
	Sandbox   SandboxConfig               `yaml:"sandbox"`
	Languages map[string]language.Profile `yaml:"languages"`
	Auth      AuthConfig                  `yaml:"auth"`
	RateLimit RateLimitConfig             `yaml:"rateLimit"`
	Quota     QuotaConfig                 `yaml:"quota"`
	// Redis is optional; an empty addr disables quota and token revocation.
	Redis  cache.RedisConfig `yaml:"redis"`
	Events EventsConfig      `yaml:"events"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if secret := os.Getenv(jwtSecretEnv); secret != "" {
		cfg.Auth.Secret = secret
	}
	if cfg.Events.Enabled && len(cfg.Events.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("events.kafka.brokers is required when events are enabled")
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Worker.QueueWait == 0 {
		cfg.Worker.QueueWait = 30 * time.Second
	}
	if cfg.Limits.MaxSourceBytes == 0 {
		cfg.Limits.MaxSourceBytes = 64 * 1024
	}
	if cfg.Limits.MaxStdinBytes == 0 {
		cfg.Limits.MaxStdinBytes = 1024 * 1024
	}
	if cfg.Limits.OutputLimitBytes == 0 {
		cfg.Limits.OutputLimitBytes = 64 * 1024
	}
	if cfg.Limits.GracePeriod == 0 {
		cfg.Limits.GracePeriod = 500 * time.Millisecond
	}

	if cfg.Sandbox.HelperPath == "" {
		cfg.Sandbox.HelperPath = defaultHelperPath()
	}
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = filepath.Join(os.TempDir(), "runbox")
	}
	if cfg.Sandbox.CgroupRoot == "" {
		cfg.Sandbox.CgroupRoot = "/sys/fs/cgroup/runbox"
	}
	if cfg.Sandbox.RunAsUID == nil {
		uid := os.Getuid()
		cfg.Sandbox.RunAsUID = &uid
	}
	if cfg.Sandbox.RunAsGID == nil {
		gid := os.Getgid()
		cfg.Sandbox.RunAsGID = &gid
	}
	if cfg.Sandbox.StaleAfter == 0 {
		cfg.Sandbox.StaleAfter = 10 * time.Minute
	}
	if cfg.Sandbox.SweepInterval == 0 {
		cfg.Sandbox.SweepInterval = 5 * time.Minute
	}

	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = time.Minute
	}
	if cfg.Quota.RedisTimeout == 0 {
		cfg.Quota.RedisTimeout = 100 * time.Millisecond
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "runbox.execution.events"
	}
	if cfg.Events.Kafka.ClientID == "" {
		cfg.Events.Kafka.ClientID = "runbox-exec-service"
	}
}

// defaultHelperPath prefers a sandbox-init installed next to the binary.
func defaultHelperPath() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "sandbox-init")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "sandbox-init"
}
