package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Vendors    []VendorConfig   `yaml:"vendors"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Claim      ClaimConfig      `yaml:"claim"`
	Classify   ClassifyConfig   `yaml:"classify"`
	Queue      QueueConfig      `yaml:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	LoggingLevel string `yaml:"logging_level"`
}

type StoreConfig struct {
	DatabaseURL         string        `yaml:"database_url"`
	MaxConns            int           `yaml:"max_conns"`
	MinConns            int           `yaml:"min_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	CleanupAge          time.Duration `yaml:"cleanup_age"`
}

type LimiterTierConfig struct {
	Suffix string  `yaml:"suffix"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
}

type LimiterConfig struct {
	DefaultRate      float64             `yaml:"default_rate"`
	DefaultBurst     int                 `yaml:"default_burst"`
	MaxQueueDepth    int                 `yaml:"max_queue_depth"`
	PenaltyTokens    float64             `yaml:"penalty_tokens"`
	IdleReclaimAfter time.Duration       `yaml:"idle_reclaim_after"`
	SweepInterval    time.Duration       `yaml:"sweep_interval"`
	Tiers            []LimiterTierConfig `yaml:"tiers"`
}

type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	MaxResponseMB int           `yaml:"max_response_mb"`
	UserAgent     string        `yaml:"user_agent"`
}

type VendorConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
}

type ReconcileConfig struct {
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	StalenessWindow  time.Duration `yaml:"staleness_window"`
}

type ClaimConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	CacheSize     int           `yaml:"cache_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ClassifyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Deadline    time.Duration `yaml:"deadline"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type QueueConfig struct {
	Capacity    int `yaml:"capacity"`
	MaxAttempts int `yaml:"max_attempts"`
	Workers     int `yaml:"workers"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// parseDuration parses a yaml duration string, empty maps to zero
func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalYAML implements custom unmarshaling for StoreConfig
func (s *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DatabaseURL         string `yaml:"database_url"`
		MaxConns            int    `yaml:"max_conns"`
		MinConns            int    `yaml:"min_conns"`
		HealthCheckInterval string `yaml:"health_check_interval"`
		ConnectTimeout      string `yaml:"connect_timeout"`
		CleanupInterval     string `yaml:"cleanup_interval"`
		CleanupAge          string `yaml:"cleanup_age"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.DatabaseURL = temp.DatabaseURL
	s.MaxConns = temp.MaxConns
	s.MinConns = temp.MinConns

	var err error
	if s.HealthCheckInterval, err = parseDuration("health_check_interval", temp.HealthCheckInterval); err != nil {
		return err
	}
	if s.ConnectTimeout, err = parseDuration("connect_timeout", temp.ConnectTimeout); err != nil {
		return err
	}
	if s.CleanupInterval, err = parseDuration("cleanup_interval", temp.CleanupInterval); err != nil {
		return err
	}
	if s.CleanupAge, err = parseDuration("cleanup_age", temp.CleanupAge); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for LimiterConfig
func (l *LimiterConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DefaultRate      float64             `yaml:"default_rate"`
		DefaultBurst     int                 `yaml:"default_burst"`
		MaxQueueDepth    int                 `yaml:"max_queue_depth"`
		PenaltyTokens    float64             `yaml:"penalty_tokens"`
		IdleReclaimAfter string              `yaml:"idle_reclaim_after"`
		SweepInterval    string              `yaml:"sweep_interval"`
		Tiers            []LimiterTierConfig `yaml:"tiers"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	l.DefaultRate = temp.DefaultRate
	l.DefaultBurst = temp.DefaultBurst
	l.MaxQueueDepth = temp.MaxQueueDepth
	l.PenaltyTokens = temp.PenaltyTokens
	l.Tiers = temp.Tiers

	var err error
	if l.IdleReclaimAfter, err = parseDuration("idle_reclaim_after", temp.IdleReclaimAfter); err != nil {
		return err
	}
	if l.SweepInterval, err = parseDuration("sweep_interval", temp.SweepInterval); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for FetchConfig
func (f *FetchConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Timeout       string `yaml:"timeout"`
		MaxAttempts   int    `yaml:"max_attempts"`
		BackoffBase   string `yaml:"backoff_base"`
		BackoffCap    string `yaml:"backoff_cap"`
		MaxResponseMB int    `yaml:"max_response_mb"`
		UserAgent     string `yaml:"user_agent"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	f.MaxAttempts = temp.MaxAttempts
	f.MaxResponseMB = temp.MaxResponseMB
	f.UserAgent = temp.UserAgent

	var err error
	if f.Timeout, err = parseDuration("timeout", temp.Timeout); err != nil {
		return err
	}
	if f.BackoffBase, err = parseDuration("backoff_base", temp.BackoffBase); err != nil {
		return err
	}
	if f.BackoffCap, err = parseDuration("backoff_cap", temp.BackoffCap); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for ReconcileConfig
func (r *ReconcileConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		LeaseTTL         string `yaml:"lease_ttl"`
		FetchConcurrency int    `yaml:"fetch_concurrency"`
		StalenessWindow  string `yaml:"staleness_window"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	r.FetchConcurrency = temp.FetchConcurrency

	var err error
	if r.LeaseTTL, err = parseDuration("lease_ttl", temp.LeaseTTL); err != nil {
		return err
	}
	if r.StalenessWindow, err = parseDuration("staleness_window", temp.StalenessWindow); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for ClaimConfig
func (c *ClaimConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		TTL           string `yaml:"ttl"`
		CacheSize     int    `yaml:"cache_size"`
		SweepInterval string `yaml:"sweep_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.CacheSize = temp.CacheSize

	var err error
	if c.TTL, err = parseDuration("ttl", temp.TTL); err != nil {
		return err
	}
	if c.SweepInterval, err = parseDuration("sweep_interval", temp.SweepInterval); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for ClassifyConfig
func (c *ClassifyConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled     bool   `yaml:"enabled"`
		APIKey      string `yaml:"api_key"`
		Model       string `yaml:"model"`
		MaxTokens   int    `yaml:"max_tokens"`
		Deadline    string `yaml:"deadline"`
		MaxAttempts int    `yaml:"max_attempts"`
		RetryDelay  string `yaml:"retry_delay"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.Enabled = temp.Enabled
	c.APIKey = temp.APIKey
	c.Model = temp.Model
	c.MaxTokens = temp.MaxTokens
	c.MaxAttempts = temp.MaxAttempts

	var err error
	if c.Deadline, err = parseDuration("deadline", temp.Deadline); err != nil {
		return err
	}
	if c.RetryDelay, err = parseDuration("retry_delay", temp.RetryDelay); err != nil {
		return err
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize cleans up configuration values and fills in defaults
func (c *Config) Normalize() {
	for i := range c.Vendors {
		c.Vendors[i].BaseURL = strings.TrimSuffix(c.Vendors[i].BaseURL, "/")
	}

	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
	if c.Reconcile.LeaseTTL <= 0 {
		c.Reconcile.LeaseTTL = 2 * time.Minute
	}
	if c.Reconcile.FetchConcurrency <= 0 {
		c.Reconcile.FetchConcurrency = 8
	}
	if c.Reconcile.StalenessWindow <= 0 {
		c.Reconcile.StalenessWindow = 7 * 24 * time.Hour
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "warn": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn, or error)", c.Server.LoggingLevel)
	}

	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store: database_url is required")
	}

	if c.Limiter.DefaultRate < 0 {
		return fmt.Errorf("limiter: invalid default_rate: %f", c.Limiter.DefaultRate)
	}
	for i, tier := range c.Limiter.Tiers {
		if tier.Suffix == "" {
			return fmt.Errorf("limiter tier %d: suffix is required", i)
		}
		if tier.Rate <= 0 {
			return fmt.Errorf("limiter tier %s: invalid rate: %f", tier.Suffix, tier.Rate)
		}
	}

	if len(c.Vendors) == 0 {
		return fmt.Errorf("no vendors configured")
	}
	for i, vendor := range c.Vendors {
		if vendor.ID == "" {
			return fmt.Errorf("vendor %d: id is required", i)
		}
		if vendor.BaseURL == "" {
			return fmt.Errorf("vendor %s: base_url is required", vendor.ID)
		}
		parsedURL, err := url.Parse(vendor.BaseURL)
		if err != nil {
			return fmt.Errorf("vendor %s: invalid base_url: %w", vendor.ID, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("vendor %s: base_url must use http or https scheme, got: %s", vendor.ID, parsedURL.Scheme)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("vendor %s: base_url must have a host", vendor.ID)
		}
	}

	if c.Classify.Enabled && c.Classify.APIKey == "" {
		return fmt.Errorf("classify: api_key is required when enabled")
	}

	return nil
}
