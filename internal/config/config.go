// Package config holds the core's runtime tunables: agent capacity and
// resource caps, health-score weights, executor concurrency and
// backoff, circuit-breaker thresholds, and memory sharding/cleanup
// defaults. The CLI-level loaders that turn a user's project config
// into application flags are a collaborator concern; this package only
// owns the core's own settings, loadable from YAML the way the
// teacher's teams.yaml/projects.yaml are.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// HealthWeights are the four components of an agent's health score
// (spec.md §4.3). They should sum to 1.0 but Validate does not enforce
// that strictly — callers may intentionally under-weight.
type HealthWeights struct {
	Responsiveness float64 `yaml:"responsiveness"`
	Performance    float64 `yaml:"performance"`
	Reliability    float64 `yaml:"reliability"`
	ResourceUsage  float64 `yaml:"resource_usage"`
}

// DefaultHealthWeights matches spec.md §4.3's fixed defaults.
func DefaultHealthWeights() HealthWeights {
	return HealthWeights{
		Responsiveness: 0.3,
		Performance:    0.3,
		Reliability:    0.3,
		ResourceUsage:  0.1,
	}
}

// ResourceLimits bound the cluster-wide resource footprint the Agent
// Manager will permit before refusing to start new agents.
type ResourceLimits struct {
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	MaxCPUPercent  int   `yaml:"max_cpu_percent"`
	MaxDiskBytes   int64 `yaml:"max_disk_bytes"`
}

// BreakerConfig configures the per-agent circuit breaker (spec.md §4.5).
type BreakerConfig struct {
	WindowSize       int           `yaml:"window_size"`        // N recent attempts considered
	FailureThreshold float64       `yaml:"failure_threshold"`  // fraction, e.g. 0.5
	MinAttempts      int           `yaml:"min_attempts"`       // minimum attempts before tripping
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"` // cap on doubling
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:       10,
		FailureThreshold: 0.5,
		MinAttempts:      4,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// ExecutorConfig tunes the Background Executor (spec.md §4.4).
type ExecutorConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffFactor      float64       `yaml:"backoff_factor"`
	GracePeriod        time.Duration `yaml:"grace_period"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentTasks: 8,
		DefaultTimeout:     5 * time.Minute,
		DefaultMaxAttempts: 3,
		BackoffBase:        500 * time.Millisecond,
		BackoffFactor:      2.0,
		GracePeriod:        5 * time.Second,
	}
}

// MemoryConfig tunes Distributed Memory (spec.md §4.2).
type MemoryConfig struct {
	MaxMemorySizeBytes    int64         `yaml:"max_memory_size_bytes"`
	CompressionThreshold  int64         `yaml:"compression_threshold_bytes"`
	CompressionEnabled    bool          `yaml:"compression_enabled"`
	ShardCount            int           `yaml:"shard_count"`
	ReplicationFactor     int           `yaml:"replication_factor"`
	DefaultTTL            time.Duration `yaml:"default_ttl"` // 0 = no default expiry
	PersistenceRoot       string        `yaml:"persistence_root"`
	SnapshotInterval      time.Duration `yaml:"snapshot_interval"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxMemorySizeBytes:   512 * 1024 * 1024,
		CompressionThreshold: 4096,
		CompressionEnabled:   true,
		ShardCount:           1,
		ReplicationFactor:    1,
		PersistenceRoot:      "./swarmdata",
		SnapshotInterval:     10 * time.Minute,
	}
}

// AgentManagerConfig tunes the Agent Manager (spec.md §4.3).
type AgentManagerConfig struct {
	MaxAgents              int           `yaml:"max_agents"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	MissedHeartbeatLimit   int           `yaml:"missed_heartbeat_limit"`
	AutoRestart            bool          `yaml:"auto_restart"`
	MaxConsecutiveRestarts int           `yaml:"max_consecutive_restarts"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`
	ScaleInterval          time.Duration `yaml:"scale_interval"`
	Health                 HealthWeights `yaml:"health_weights"`
	Resources              ResourceLimits `yaml:"resource_limits"`
}

func DefaultAgentManagerConfig() AgentManagerConfig {
	return AgentManagerConfig{
		MaxAgents:              256,
		HeartbeatInterval:      10 * time.Second,
		HealthCheckInterval:    15 * time.Second,
		MissedHeartbeatLimit:   3,
		AutoRestart:            true,
		MaxConsecutiveRestarts: 5,
		DrainTimeout:           30 * time.Second,
		ScaleInterval:          20 * time.Second,
		Health:                 DefaultHealthWeights(),
		Resources: ResourceLimits{
			MaxMemoryBytes: 8 << 30,
			MaxCPUPercent:  800,
			MaxDiskBytes:   64 << 30,
		},
	}
}

// Config is the root configuration for one core process.
type Config struct {
	LogLevel string             `yaml:"log_level"`
	Agent    AgentManagerConfig `yaml:"agent_manager"`
	Executor ExecutorConfig     `yaml:"executor"`
	Memory   MemoryConfig       `yaml:"memory"`
	Breaker  BreakerConfig      `yaml:"circuit_breaker"`
}

// Default returns the core's built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Agent:    DefaultAgentManagerConfig(),
		Executor: DefaultExecutorConfig(),
		Memory:   DefaultMemoryConfig(),
		Breaker:  DefaultBreakerConfig(),
	}
}

// Load reads a YAML config file and layers it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the handful of settings spec.md §6 names as
// environment variables, read once at startup and immutable after.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SWARMCORE_MAX_AGENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARMCORE_MAX_AGENTS: %w", err)
		}
		c.Agent.MaxAgents = n
	}
	if v := os.Getenv("SWARMCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SWARMCORE_MEMORY_ROOT"); v != "" {
		c.Memory.PersistenceRoot = v
	}
	if v := os.Getenv("SWARMCORE_EXECUTOR_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARMCORE_EXECUTOR_MAX_CONCURRENCY: %w", err)
		}
		c.Executor.MaxConcurrentTasks = n
	}
	return c.Validate()
}

// Validate checks that all values are within documented constraints.
func (c *Config) Validate() error {
	if c.Agent.MaxAgents < 1 {
		return fmt.Errorf("agent_manager.max_agents must be at least 1")
	}
	if c.Executor.MaxConcurrentTasks < 1 {
		return fmt.Errorf("executor.max_concurrent_tasks must be at least 1")
	}
	if c.Executor.BackoffFactor <= 1.0 {
		return fmt.Errorf("executor.backoff_factor must be greater than 1.0")
	}
	if c.Memory.ShardCount < 1 {
		return fmt.Errorf("memory.shard_count must be at least 1")
	}
	if c.Memory.ReplicationFactor < 1 || c.Memory.ReplicationFactor > c.Memory.ShardCount {
		return fmt.Errorf("memory.replication_factor must be between 1 and shard_count")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0,1]")
	}
	return nil
}
