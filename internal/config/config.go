// Package config defines all configuration for the calculation core.
// Config is loaded from a YAML file (default: configs/ims.yaml) with
// deployment-specific fields overridable via IMS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Cache      CacheConfig      `mapstructure:"cache"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Engines    EnginesConfig    `mapstructure:"engines"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CacheConfig shapes the distributed in-memory grid.
//
//   - ClusterName disambiguates co-located deployments; members refuse links
//     from a different cluster.
//   - Port is the base replication port; on bind collision the member
//     auto-increments until a free port is found.
//   - BackupCount is the number of synchronous replicas per write.
//   - Peers is the static peer list (host:port); MulticastEnabled switches to
//     multicast discovery instead.
//   - MapTTLs configures expiry per named map; MaxSizePerNode caps entries
//     per map with LRU eviction.
type CacheConfig struct {
	ClusterName      string       `mapstructure:"cluster_name"`
	InstanceName     string       `mapstructure:"instance_name"`
	Port             int          `mapstructure:"port"`
	BackupCount      int          `mapstructure:"backup_count"`
	MulticastEnabled bool         `mapstructure:"multicast_enabled"`
	Peers            []string     `mapstructure:"peers"`
	MapTTLs          MapTTLConfig `mapstructure:"map_ttls"`
	MaxSizePerNode   int          `mapstructure:"max_size_per_node"`
	EvictionPolicy   string       `mapstructure:"eviction_policy"` // only "LRU" is implemented
}

// MapTTLConfig sets entry TTLs for the four named maps.
type MapTTLConfig struct {
	Position  time.Duration `mapstructure:"position"`
	Inventory time.Duration `mapstructure:"inventory"`
	Rule      time.Duration `mapstructure:"rule"`
	Limit     time.Duration `mapstructure:"limit"`
}

// PipelineConfig shapes the event pipeline.
type PipelineConfig struct {
	Bootstrap          string        `mapstructure:"bootstrap"` // broker address; "inproc" for the embedded broker
	GroupID            string        `mapstructure:"group_id"`
	PartitionsPerTopic int           `mapstructure:"partitions_per_topic"`
	PartitionBuffer    int           `mapstructure:"partition_buffer"`
	MaxInFlight        int           `mapstructure:"max_in_flight"`
	Concurrency        int           `mapstructure:"concurrency"`
	RetryBackoffBase   time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffCap    time.Duration `mapstructure:"retry_backoff_cap"`
	RetryMaxAttempts   int           `mapstructure:"retry_max_attempts"`
	DedupeCacheSize    int           `mapstructure:"dedupe_cache_size"`
}

// EnginesConfig tunes the calculation engines.
//
//   - ShortSellBudget: internal deadline for the short-sell validation path,
//     leaving headroom under the 150 ms SLA.
//   - LeaseTimeout: how long a mutation may wait for a cache lease.
//   - LimitLeaseHold: bounded lease hold for check-and-increment.
//   - RetentionDays: records older than today − N are swept.
type EnginesConfig struct {
	ShortSellBudget time.Duration `mapstructure:"short_sell_budget"`
	LeaseTimeout    time.Duration `mapstructure:"lease_timeout"`
	LimitLeaseHold  time.Duration `mapstructure:"limit_lease_hold"`
	RetentionDays   int           `mapstructure:"retention_days"`
	JapanCutoff     string        `mapstructure:"japan_cutoff"` // HH:MM local market time, e.g. "14:00"
}

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	SlidingWindow  int           `mapstructure:"sliding_window"`
	FailureRate    float64       `mapstructure:"failure_rate"`
	WaitInOpen     time.Duration `mapstructure:"wait_in_open"`
	HalfOpenProbes int           `mapstructure:"half_open_probes"`
}

// RateLimitConfig configures one named rate limiter.
type RateLimitConfig struct {
	RateLimit     int           `mapstructure:"rate_limit"`
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ResilienceConfig holds per-named-call breakers and limiters.
type ResilienceConfig struct {
	Breakers map[string]BreakerConfig   `mapstructure:"breakers"`
	Limits   map[string]RateLimitConfig `mapstructure:"limits"`
}

// StoreConfig sets where the durable write-behind log lives.
type StoreConfig struct {
	Path          string        `mapstructure:"path"` // SQLite file; ":memory:" for tests
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// APIConfig controls the query API server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment fields use env vars: IMS_CLUSTER_NAME, IMS_INSTANCE_NAME, IMS_PEERS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("IMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deployment identity from env
	if name := os.Getenv("IMS_CLUSTER_NAME"); name != "" {
		cfg.Cache.ClusterName = name
	}
	if name := os.Getenv("IMS_INSTANCE_NAME"); name != "" {
		cfg.Cache.InstanceName = name
	}
	if peers := os.Getenv("IMS_PEERS"); peers != "" {
		cfg.Cache.Peers = strings.Split(peers, ",")
	}

	return &cfg, nil
}

// Default returns a configuration with every knob at its documented default.
// Tests and the embedded broker start from this.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.cluster_name", "ims")
	v.SetDefault("cache.instance_name", "ims-0")
	v.SetDefault("cache.port", 5710)
	v.SetDefault("cache.backup_count", 1)
	v.SetDefault("cache.multicast_enabled", false)
	v.SetDefault("cache.map_ttls.position", 26*time.Hour)
	v.SetDefault("cache.map_ttls.inventory", 26*time.Hour)
	v.SetDefault("cache.map_ttls.rule", 15*time.Minute)
	v.SetDefault("cache.map_ttls.limit", 26*time.Hour)
	v.SetDefault("cache.max_size_per_node", 1_000_000)
	v.SetDefault("cache.eviction_policy", "LRU")

	v.SetDefault("pipeline.bootstrap", "inproc")
	v.SetDefault("pipeline.group_id", "ims-core")
	v.SetDefault("pipeline.partitions_per_topic", 16)
	v.SetDefault("pipeline.partition_buffer", 10_000)
	v.SetDefault("pipeline.max_in_flight", 1)
	v.SetDefault("pipeline.concurrency", 16)
	v.SetDefault("pipeline.retry_backoff_base", time.Second)
	v.SetDefault("pipeline.retry_backoff_cap", 60*time.Second)
	v.SetDefault("pipeline.retry_max_attempts", 10)
	v.SetDefault("pipeline.dedupe_cache_size", 8192)

	v.SetDefault("engines.short_sell_budget", 120*time.Millisecond)
	v.SetDefault("engines.lease_timeout", 100*time.Millisecond)
	v.SetDefault("engines.limit_lease_hold", 50*time.Millisecond)
	v.SetDefault("engines.retention_days", 7)
	v.SetDefault("engines.japan_cutoff", "14:00")

	v.SetDefault("store.path", "data/ims.db")
	v.SetDefault("store.flush_interval", 200*time.Millisecond)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Cache.ClusterName == "" {
		return fmt.Errorf("cache.cluster_name is required")
	}
	if c.Cache.BackupCount < 0 {
		return fmt.Errorf("cache.backup_count must be >= 0")
	}
	if c.Cache.EvictionPolicy != "" && c.Cache.EvictionPolicy != "LRU" {
		return fmt.Errorf("cache.eviction_policy %q not supported (only LRU)", c.Cache.EvictionPolicy)
	}
	if c.Pipeline.PartitionsPerTopic <= 0 {
		return fmt.Errorf("pipeline.partitions_per_topic must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.Concurrency > c.Pipeline.PartitionsPerTopic {
		return fmt.Errorf("pipeline.concurrency must be <= partitions_per_topic")
	}
	if c.Pipeline.RetryMaxAttempts <= 0 {
		return fmt.Errorf("pipeline.retry_max_attempts must be > 0")
	}
	if c.Engines.ShortSellBudget <= 0 {
		return fmt.Errorf("engines.short_sell_budget must be > 0")
	}
	if c.Engines.LeaseTimeout <= 0 {
		return fmt.Errorf("engines.lease_timeout must be > 0")
	}
	if c.Engines.RetentionDays <= 0 {
		return fmt.Errorf("engines.retention_days must be > 0")
	}
	if _, err := time.Parse("15:04", c.Engines.JapanCutoff); err != nil {
		return fmt.Errorf("engines.japan_cutoff must be HH:MM: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
