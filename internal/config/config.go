// Package config loads and validates the proxy settings from a TOML file.
// The file location comes from RL_SETTINGS_PATH, defaulting to
// ./Settings.toml. Validation failures are fatal: the process must not bind
// a socket with a half-understood policy.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lowc1012/rate-limit-proxy/internal/bucket"
	"github.com/lowc1012/rate-limit-proxy/internal/extract"
	"github.com/lowc1012/rate-limit-proxy/internal/strategy"
)

// EnvSettingsPath overrides the settings file location.
const EnvSettingsPath = "RL_SETTINGS_PATH"

// DefaultSettingsPath is used when EnvSettingsPath is unset.
const DefaultSettingsPath = "./Settings.toml"

type APIGateway struct {
	TargetURL       string `toml:"target_url"`
	ProxyServerAddr string `toml:"proxy_server_addr"`
}

type BucketParams struct {
	TokensCount    int `toml:"tokens_count"`
	AddTokensEvery int `toml:"add_tokens_every"`
}

type PerValueBucket struct {
	Value          string `toml:"value"`
	TokensCount    int    `toml:"tokens_count"`
	AddTokensEvery int    `toml:"add_tokens_every"`
}

type Strategy struct {
	Strategy        string           `toml:"strategy"`
	GlobalBucket    *BucketParams    `toml:"global_bucket"`
	BucketsPerValue []PerValueBucket `toml:"buckets_per_value"`
}

type RateLimiter struct {
	RedisAddr         string     `toml:"redis_addr"`
	IPWhitelist       []string   `toml:"ip_whitelist"`
	FailClosed        bool       `toml:"fail_closed"`
	StoreTimeoutMS    int        `toml:"store_timeout_ms"`
	MaxBodyBytes      int64      `toml:"max_body_bytes"`
	TrustProxyHeaders bool       `toml:"trust_proxy_headers"`
	Limiter           []Strategy `toml:"limiter"`
}

type Observability struct {
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
}

type Root struct {
	APIGateway    APIGateway    `toml:"api_gateway"`
	RateLimiter   RateLimiter   `toml:"rate_limiter"`
	Observability Observability `toml:"observability"`
}

// Path resolves the settings file location from the environment.
func Path() string {
	if p := os.Getenv(EnvSettingsPath); p != "" {
		return p
	}
	return DefaultSettingsPath
}

// Load reads, defaults and validates the settings file.
func Load(path string) (*Root, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Root
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	if c.RateLimiter.StoreTimeoutMS <= 0 {
		c.RateLimiter.StoreTimeoutMS = int(bucket.DefaultTimeout / time.Millisecond)
	}
	if c.RateLimiter.MaxBodyBytes <= 0 {
		c.RateLimiter.MaxBodyBytes = extract.DefaultMaxBodyBytes
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

func (c *Root) validate() error {
	if c.APIGateway.TargetURL == "" {
		return fmt.Errorf("api_gateway.target_url is required")
	}
	if c.APIGateway.ProxyServerAddr == "" {
		return fmt.Errorf("api_gateway.proxy_server_addr is required")
	}
	if c.RateLimiter.RedisAddr == "" {
		return fmt.Errorf("rate_limiter.redis_addr is required")
	}

	for _, raw := range c.RateLimiter.IPWhitelist {
		if net.ParseIP(raw) == nil {
			return fmt.Errorf("rate_limiter.ip_whitelist: unparseable IP %q", raw)
		}
	}

	// building strategies runs the full per-strategy validation
	for i, sc := range c.StrategyConfigs() {
		if _, err := strategy.New(sc); err != nil {
			return fmt.Errorf("rate_limiter.limiter[%d]: %w", i, err)
		}
	}
	return nil
}

// StrategyConfigs converts the file representation into strategy configs.
func (c *Root) StrategyConfigs() []strategy.Config {
	configs := make([]strategy.Config, 0, len(c.RateLimiter.Limiter))
	for _, s := range c.RateLimiter.Limiter {
		sc := strategy.Config{Kind: strategy.Kind(s.Strategy)}
		if s.GlobalBucket != nil {
			p := bucketParams(*s.GlobalBucket)
			sc.GlobalBucket = &p
		}
		for _, pv := range s.BucketsPerValue {
			sc.PerValue = append(sc.PerValue, strategy.PerValueBucket{
				Value:  pv.Value,
				Params: bucketParams(BucketParams{TokensCount: pv.TokensCount, AddTokensEvery: pv.AddTokensEvery}),
			})
		}
		configs = append(configs, sc)
	}
	return configs
}

// StoreTimeout is the per-check bound on one store round-trip.
func (c *Root) StoreTimeout() time.Duration {
	return time.Duration(c.RateLimiter.StoreTimeoutMS) * time.Millisecond
}

func bucketParams(p BucketParams) bucket.Params {
	return bucket.Params{
		Capacity:       p.TokensCount,
		RefillInterval: time.Duration(p.AddTokensEvery) * time.Second,
	}
}
