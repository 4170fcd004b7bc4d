/*
   Copyright The Modelkit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config defines the configuration surface consumed by the model
// acquisition pipeline. Configuration is read from a TOML file; any value
// left at its zero value is replaced by a default by the parser chain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultRootPath is the default root directory for the cache,
	// quarantine and metadata stores.
	DefaultRootPath = "/var/lib/modelkit/"

	// DefaultConfigPath is the default filesystem path of the
	// configuration file.
	DefaultConfigPath = "/etc/modelkit/config.toml"

	// RootPathEnv overrides the root directory when set.
	RootPathEnv = "MODELKIT_ROOT"
)

type Config struct {
	// RootPath is the root directory under which the cache and
	// quarantine directories are created unless set explicitly.
	RootPath string `toml:"root_path"`

	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string `toml:"log_level"`

	// NoPrometheus disables metric collector registration.
	NoPrometheus bool `toml:"no_prometheus"`

	CacheConfig      `toml:"cache"`
	DownloadConfig   `toml:"download"`
	QuarantineConfig `toml:"quarantine"`
	RecoveryConfig   `toml:"recovery"`
}

// CacheConfig configures the verified-model cache.
type CacheConfig struct {
	// Dir is the cache directory. Defaults to <root>/cache.
	Dir string `toml:"dir"`

	// MaxSizeBytes caps the total size of cached models when the LRU
	// eviction policy is active.
	MaxSizeBytes int64 `toml:"max_size_bytes"`

	// EvictionPolicy selects the active eviction strategy, either
	// "lru" (size-capped, least recently used first) or "ttl"
	// (age-based). Only one strategy is active at a time.
	EvictionPolicy string `toml:"eviction_policy"`

	// TTLHours is the maximum age of a cached model when the "ttl"
	// eviction policy is active.
	TTLHours int64 `toml:"ttl_hours"`

	// VerifyOnHit re-verifies a cached file before returning it.
	VerifyOnHit bool `toml:"verify_on_hit"`
}

// DownloadConfig configures the download orchestrator.
type DownloadConfig struct {
	// MaxConcurrency is the maximum number of model transfers in
	// flight at once. Negative means unbounded.
	MaxConcurrency int64 `toml:"max_concurrency"`

	// BufferSizeBytes is the per-transfer read chunk size.
	BufferSizeBytes int64 `toml:"buffer_size_bytes"`

	// MaxBandwidthBytesPerSec caps the per-downloader transfer rate.
	// Zero or negative disables throttling.
	MaxBandwidthBytesPerSec int64 `toml:"max_bandwidth_bytes_per_sec"`

	// MemoryThresholdBytes is the heap size beyond which the transfer
	// loop inserts collection hints and short pauses.
	MemoryThresholdBytes uint64 `toml:"memory_threshold_bytes"`

	RetryableHTTPClientConfig `toml:"http"`
}

// RetryableHTTPClientConfig configures the retryable HTTP client used for
// all remote requests.
type RetryableHTTPClientConfig struct {
	TimeoutConfig `toml:"timeouts"`
	RetryConfig   `toml:"retries"`
}

// TimeoutConfig holds timeouts for the HTTP client.
type TimeoutConfig struct {
	DialTimeoutMsec           int64 `toml:"dial_timeout_msec"`
	ResponseHeaderTimeoutMsec int64 `toml:"response_header_timeout_msec"`
	RequestTimeoutMsec        int64 `toml:"request_timeout_msec"`
}

// RetryConfig holds transport-level retry behavior. These retries cover
// individual HTTP requests; whole-operation retries are governed by the
// recovery coordinator.
type RetryConfig struct {
	MaxRetries  int   `toml:"max_retries"`
	MinWaitMsec int64 `toml:"min_wait_msec"`
	MaxWaitMsec int64 `toml:"max_wait_msec"`
}

// QuarantineConfig configures the integrity verifier's quarantine store.
type QuarantineConfig struct {
	// Dir is the quarantine directory. Defaults to <root>/quarantine.
	Dir string `toml:"dir"`

	// RetentionDays is the age beyond which Cleanup removes entries.
	RetentionDays int `toml:"retention_days"`
}

// RecoveryConfig configures the error/recovery coordinator.
type RecoveryConfig struct {
	// ProbeEndpoints are probed to classify connectivity as online,
	// limited or offline.
	ProbeEndpoints []string `toml:"probe_endpoints"`

	// ProbeTimeoutMsec is the per-endpoint probe timeout.
	ProbeTimeoutMsec int64 `toml:"probe_timeout_msec"`

	// ProbeCacheValidSec is how long a probe result is reused before
	// re-probing.
	ProbeCacheValidSec int64 `toml:"probe_cache_valid_sec"`

	// RetryWaitMsec is the bounded wait before a recovery retry
	// re-invokes the failed operation.
	RetryWaitMsec int64 `toml:"retry_wait_msec"`

	// HistoryLimit caps the in-memory error history.
	HistoryLimit int `toml:"history_limit"`

	// DiskCheckDir is the directory whose filesystem is checked when
	// recovery needs a disk-space answer without a more specific path.
	// Defaults to the cache directory.
	DiskCheckDir string `toml:"disk_check_dir"`
}

type configParser func(*Config) error

var parsers = []configParser{parseRootConfig, parseCacheConfig, parseDownloadConfig, parseQuarantineConfig, parseRecoveryConfig}

// NewConfig returns an initialized Config with default values set.
func NewConfig() *Config {
	cfg := &Config{}
	parseConfig(cfg)
	return cfg
}

// NewConfigFromToml loads configuration from the given TOML file, filling
// in defaults for unset values. A missing file at the default path yields
// the default configuration.
func NewConfigFromToml(cfgPath string) (*Config, error) {
	f, err := os.Open(cfgPath)
	if err != nil {
		if os.IsNotExist(err) && cfgPath == DefaultConfigPath {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to open config file %q: %w", cfgPath, err)
	}
	defer f.Close()

	cfg := &Config{}
	if err = toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", cfgPath, err)
	}
	parseConfig(cfg)
	return cfg, nil
}

func parseConfig(cfg *Config) {
	for _, p := range parsers {
		p(cfg)
	}
}

func parseRootConfig(cfg *Config) error {
	if env := os.Getenv(RootPathEnv); env != "" {
		cfg.RootPath = env
	}
	if cfg.RootPath == "" {
		cfg.RootPath = DefaultRootPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return nil
}

func parseCacheConfig(cfg *Config) error {
	if cfg.CacheConfig.Dir == "" {
		cfg.CacheConfig.Dir = filepath.Join(cfg.RootPath, "cache")
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultCacheMaxSizeBytes
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = defaultEvictionPolicy
	}
	if cfg.TTLHours <= 0 {
		cfg.TTLHours = defaultCacheTTLHours
	}
	return nil
}

func parseDownloadConfig(cfg *Config) error {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.BufferSizeBytes <= 0 {
		cfg.BufferSizeBytes = defaultBufferSizeBytes
	}
	if cfg.MemoryThresholdBytes == 0 {
		cfg.MemoryThresholdBytes = defaultMemoryThresholdBytes
	}
	if cfg.DialTimeoutMsec == 0 {
		cfg.DialTimeoutMsec = defaultDialTimeoutMsec
	}
	if cfg.ResponseHeaderTimeoutMsec == 0 {
		cfg.ResponseHeaderTimeoutMsec = defaultResponseHeaderTimeoutMsec
	}
	if cfg.RequestTimeoutMsec == 0 {
		cfg.RequestTimeoutMsec = defaultRequestTimeoutMsec
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MinWaitMsec == 0 {
		cfg.MinWaitMsec = defaultMinWaitMsec
	}
	if cfg.MaxWaitMsec == 0 {
		cfg.MaxWaitMsec = defaultMaxWaitMsec
	}
	return nil
}

func parseQuarantineConfig(cfg *Config) error {
	if cfg.QuarantineConfig.Dir == "" {
		cfg.QuarantineConfig.Dir = filepath.Join(cfg.RootPath, "quarantine")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultQuarantineRetentionDays
	}
	return nil
}

func parseRecoveryConfig(cfg *Config) error {
	if len(cfg.ProbeEndpoints) == 0 {
		cfg.ProbeEndpoints = defaultProbeEndpoints()
	}
	if cfg.ProbeTimeoutMsec <= 0 {
		cfg.ProbeTimeoutMsec = defaultProbeTimeoutMsec
	}
	if cfg.ProbeCacheValidSec <= 0 {
		cfg.ProbeCacheValidSec = defaultProbeCacheValidSec
	}
	if cfg.RetryWaitMsec <= 0 {
		cfg.RetryWaitMsec = defaultRetryWaitMsec
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultErrorHistoryLimit
	}
	if cfg.DiskCheckDir == "" {
		cfg.DiskCheckDir = cfg.CacheConfig.Dir
	}
	return nil
}

// Duration helpers converting the raw millisecond fields.

func (c TimeoutConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMsec) * time.Millisecond
}

func (c TimeoutConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutMsec) * time.Millisecond
}

func (c TimeoutConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMsec) * time.Millisecond
}

func (c RetryConfig) MinWait() time.Duration {
	return time.Duration(c.MinWaitMsec) * time.Millisecond
}

func (c RetryConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMsec) * time.Millisecond
}
