// Package config loads daemon settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the orchestrator daemon's settings.
type Config struct {
	Port    string
	DataDir string
	// JwtSecret validates operator tokens on the admin endpoints.
	JwtSecret string
	// AgentTokenSecret signs the tokens sent to pool agents. Empty disables
	// agent auth.
	AgentTokenSecret string

	CommandTimeout  time.Duration
	ProbeTimeout    time.Duration
	ProbeAttempts   int
	BreakerFailures int
	BreakerCooldown time.Duration

	ReconcileInterval  time.Duration
	ReconcileStaleAge  time.Duration
	SweepInterval      time.Duration
	ExpungeConcurrency int
	ExpungeTimeout     time.Duration

	// Block-device policy for hypervisor families without a registered entry.
	MaxDataVolumes    int
	MaxDeviceID       int
	ReservedDeviceIDs []int

	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// AgentConfig holds the pool agent's settings.
type AgentConfig struct {
	ListenAddr     string
	HostID         string
	MountRoot      string
	MaxImportSize  datasize.ByteSize
	TokenSecret    string
	Version        string
	OtelEnabled    bool
	OtelEndpoint   string
	OtelInsecure   bool
	Env            string
	ShutdownPeriod time.Duration
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() (*Config, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	cfg := &Config{
		Port:             getEnv("PORT", "8090"),
		DataDir:          getEnv("DATA_DIR", "/var/lib/blockvol"),
		JwtSecret:        getEnv("JWT_SECRET", ""),
		AgentTokenSecret: getEnv("AGENT_TOKEN_SECRET", ""),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "volumed"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", "dev"),
		Env:                   getEnv("ENV", "unset"),
	}

	p := parser{}
	cfg.CommandTimeout = p.duration("COMMAND_TIMEOUT", "10m")
	cfg.ProbeTimeout = p.duration("PROBE_TIMEOUT", "2s")
	cfg.ProbeAttempts = p.int("PROBE_ATTEMPTS", 3)
	cfg.BreakerFailures = p.int("BREAKER_FAILURES", 5)
	cfg.BreakerCooldown = p.duration("BREAKER_COOLDOWN", "30s")
	cfg.ReconcileInterval = p.duration("RECONCILE_INTERVAL", "1m")
	cfg.ReconcileStaleAge = p.duration("RECONCILE_STALE_AGE", "15m")
	cfg.SweepInterval = p.duration("SWEEP_INTERVAL", "5m")
	cfg.ExpungeConcurrency = p.int("EXPUNGE_CONCURRENCY", 2)
	cfg.ExpungeTimeout = p.duration("EXPUNGE_TIMEOUT", "15m")
	cfg.MaxDataVolumes = p.int("MAX_DATA_VOLUMES", 6)
	cfg.MaxDeviceID = p.int("MAX_DEVICE_ID", 15)
	cfg.ReservedDeviceIDs = p.ints("RESERVED_DEVICE_IDS", "0,3")
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ExpungeConcurrency < 1 {
		return fmt.Errorf("EXPUNGE_CONCURRENCY must be at least 1, got %d", c.ExpungeConcurrency)
	}
	if c.MaxDeviceID < 1 {
		return fmt.Errorf("MAX_DEVICE_ID must be at least 1, got %d", c.MaxDeviceID)
	}
	if c.ReconcileInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	return nil
}

// LoadAgent loads the pool agent's configuration.
func LoadAgent() (*AgentConfig, error) {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	cfg := &AgentConfig{
		ListenAddr:   getEnv("AGENT_LISTEN_ADDR", ":7070"),
		HostID:       getEnv("AGENT_HOST_ID", hostname),
		MountRoot:    getEnv("AGENT_MOUNT_ROOT", "/var/lib/blockvol-agent"),
		TokenSecret:  getEnv("AGENT_TOKEN_SECRET", ""),
		Version:      getEnv("VERSION", "dev"),
		OtelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint: getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelInsecure: getEnvBool("OTEL_INSECURE", true),
		Env:          getEnv("ENV", "unset"),
	}

	if err := cfg.MaxImportSize.UnmarshalText([]byte(getEnv("AGENT_MAX_IMPORT_SIZE", "1TB"))); err != nil {
		return nil, fmt.Errorf("invalid AGENT_MAX_IMPORT_SIZE: %w", err)
	}
	p := parser{}
	cfg.ShutdownPeriod = p.duration("AGENT_SHUTDOWN_PERIOD", "30s")
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// parser keeps the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) duration(key, def string) time.Duration {
	value := getEnv(key, def)
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
	}
	return d
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return n
}

func (p *parser) ints(key, def string) []int {
	value := getEnv(key, def)
	var out []int
	for _, f := range strings.Split(value, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			p.fail(key, value, err)
			return nil
		}
		out = append(out, n)
	}
	return out
}
