package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Env            string
	Server         ServerConfig
	Redis          RedisConfig
	OTEL           OTELConfig
	Identification IdentificationConfig
	WorkerPool     WorkerPoolConfig
	Lock           LockConfig
	Cache          CacheConfig
	Providers      []ProviderConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	EnableAdmin    bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Store backends for cache, lease and circuit state.
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// IdentificationConfig holds orchestrator configuration
type IdentificationConfig struct {
	RequestTimeout        time.Duration
	MaxImageBytes         int
	MinConfidence         float64
	MaxSuggestions        int
	ContractVersion       string
	FailOnLockUnavailable bool
	StoreBackend          string
}

// WorkerPoolConfig bounds the shared fan-out pool
type WorkerPoolConfig struct {
	Multiplier    int
	MinWorkers    int
	MaxWorkers    int
	QueueSize     int
	ShutdownGrace time.Duration
}

// LockConfig holds lease coordination configuration
type LockConfig struct {
	WaitTimeout      time.Duration
	LeaseDuration    time.Duration
	MaxLeaseLifetime time.Duration
	KeyPrefix        string
}

// CacheConfig holds result cache configuration
type CacheConfig struct {
	KeyPrefix       string
	DefaultTTL      time.Duration
	DiseaseTTL      time.Duration
	MemoryStoreSize int
}

// Provider roles used by the merge step.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Provider kinds understood by the provider factory.
const (
	ProviderKindPlantID  = "plantid"
	ProviderKindPlantNet = "plantnet"
	ProviderKindMock     = "mock"
)

// ProviderConfig holds per-provider call, breaker and cache settings
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	Role              string        `yaml:"role"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
	MaxResetTimeout   time.Duration `yaml:"max_reset_timeout"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Env: getEnv("ENV", "production"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
			EnableAdmin:    getEnvAsBool("SERVER_ENABLE_ADMIN", false),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 20),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "plant-identification"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Identification: IdentificationConfig{
			RequestTimeout:        getEnvAsDuration("IDENTIFY_REQUEST_TIMEOUT", 12*time.Second),
			MaxImageBytes:         getEnvAsInt("IDENTIFY_MAX_IMAGE_BYTES", 10<<20),
			MinConfidence:         getEnvAsFloat("IDENTIFY_MIN_CONFIDENCE", 0.1),
			MaxSuggestions:        getEnvAsInt("IDENTIFY_MAX_SUGGESTIONS", 5),
			ContractVersion:       getEnv("IDENTIFY_CONTRACT_VERSION", "v1"),
			FailOnLockUnavailable: getEnvAsBool("IDENTIFY_FAIL_ON_LOCK_UNAVAILABLE", false),
			StoreBackend:          getEnv("IDENTIFY_STORE_BACKEND", StoreBackendRedis),
		},
		WorkerPool: WorkerPoolConfig{
			Multiplier:    getEnvAsInt("WORKER_POOL_MULTIPLIER", 2),
			MinWorkers:    getEnvAsInt("WORKER_POOL_MIN_WORKERS", 2),
			MaxWorkers:    getEnvAsInt("WORKER_POOL_MAX_WORKERS", 10),
			QueueSize:     getEnvAsInt("WORKER_POOL_QUEUE_SIZE", 64),
			ShutdownGrace: getEnvAsDuration("WORKER_POOL_SHUTDOWN_GRACE", 5*time.Second),
		},
		Lock: LockConfig{
			WaitTimeout:      getEnvAsDuration("LOCK_WAIT_TIMEOUT", 15*time.Second),
			LeaseDuration:    getEnvAsDuration("LOCK_LEASE_DURATION", 10*time.Second),
			MaxLeaseLifetime: getEnvAsDuration("LOCK_MAX_LEASE_LIFETIME", 2*time.Minute),
			KeyPrefix:        getEnv("LOCK_KEY_PREFIX", "plantid:lock:"),
		},
		Cache: CacheConfig{
			KeyPrefix:       getEnv("CACHE_KEY_PREFIX", "plantid:cache:"),
			DefaultTTL:      getEnvAsDuration("CACHE_DEFAULT_TTL", 24*time.Hour),
			DiseaseTTL:      getEnvAsDuration("CACHE_DISEASE_TTL", 6*time.Hour),
			MemoryStoreSize: getEnvAsInt("CACHE_MEMORY_STORE_SIZE", 10000),
		},
		Providers: defaultProviders(),
	}

	if path := getEnv("PROVIDERS_CONFIG_FILE", ""); path != "" {
		providers, err := LoadProvidersFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Providers = providers
	}

	return cfg, nil
}

// defaultProviders describes the paid primary and free secondary services.
// The paid provider opens sooner and waits longer to protect its quota.
func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:              ProviderKindPlantID,
			Kind:              ProviderKindPlantID,
			Role:              RolePrimary,
			BaseURL:           getEnv("PLANTID_BASE_URL", "https://plant.id/api/v3"),
			APIKey:            getEnv("PLANTID_API_KEY", ""),
			Timeout:           getEnvAsDuration("PLANTID_TIMEOUT", 8*time.Second),
			FailureThreshold:  getEnvAsInt("PLANTID_FAILURE_THRESHOLD", 3),
			ResetTimeout:      getEnvAsDuration("PLANTID_RESET_TIMEOUT", 60*time.Second),
			MaxResetTimeout:   getEnvAsDuration("PLANTID_MAX_RESET_TIMEOUT", 10*time.Minute),
			HalfOpenMaxProbes: getEnvAsInt("PLANTID_HALF_OPEN_PROBES", 1),
			BackoffMultiplier: getEnvAsFloat("PLANTID_BACKOFF_MULTIPLIER", 2),
			CacheTTL:          getEnvAsDuration("PLANTID_CACHE_TTL", 7*24*time.Hour),
		},
		{
			Name:              ProviderKindPlantNet,
			Kind:              ProviderKindPlantNet,
			Role:              RoleSecondary,
			BaseURL:           getEnv("PLANTNET_BASE_URL", "https://my-api.plantnet.org"),
			APIKey:            getEnv("PLANTNET_API_KEY", ""),
			Timeout:           getEnvAsDuration("PLANTNET_TIMEOUT", 5*time.Second),
			FailureThreshold:  getEnvAsInt("PLANTNET_FAILURE_THRESHOLD", 5),
			ResetTimeout:      getEnvAsDuration("PLANTNET_RESET_TIMEOUT", 30*time.Second),
			MaxResetTimeout:   getEnvAsDuration("PLANTNET_MAX_RESET_TIMEOUT", 5*time.Minute),
			HalfOpenMaxProbes: getEnvAsInt("PLANTNET_HALF_OPEN_PROBES", 1),
			BackoffMultiplier: getEnvAsFloat("PLANTNET_BACKOFF_MULTIPLIER", 1.5),
			CacheTTL:          getEnvAsDuration("PLANTNET_CACHE_TTL", 24*time.Hour),
		},
	}
}

// LoadProvidersFile reads a YAML provider list. Unset fields keep their defaults.
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for i := range file.Providers {
		applyProviderDefaults(&file.Providers[i])
	}
	return file.Providers, nil
}

func applyProviderDefaults(p *ProviderConfig) {
	if p.Kind == "" {
		p.Kind = p.Name
	}
	if p.Role == "" {
		p.Role = RoleSecondary
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 30 * time.Second
	}
	if p.MaxResetTimeout < p.ResetTimeout {
		p.MaxResetTimeout = p.ResetTimeout
	}
	if p.HalfOpenMaxProbes <= 0 {
		p.HalfOpenMaxProbes = 1
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
}

// Validate checks the configuration for values the orchestrator cannot run with
func (c *Config) Validate() error {
	var problems []string

	switch c.Identification.StoreBackend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown store backend %q", c.Identification.StoreBackend))
	}
	if c.Identification.RequestTimeout <= 0 {
		problems = append(problems, "request timeout must be positive")
	}
	if c.Lock.LeaseDuration <= 0 {
		problems = append(problems, "lease duration must be positive")
	}
	if len(c.Providers) == 0 {
		problems = append(problems, "at least one provider is required")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			problems = append(problems, "provider name is required")
			continue
		}
		if _, dup := seen[p.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = struct{}{}
		if p.Role != RolePrimary && p.Role != RoleSecondary {
			problems = append(problems, fmt.Sprintf("provider %q has unknown role %q", p.Name, p.Role))
		}
		if p.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("provider %q timeout must be positive", p.Name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ServerAddr returns the HTTP listen address
func (c *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Provider returns the named provider configuration.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
