package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowc1012/rate-limit-proxy/internal/strategy"
)

const validSettings = `
[api_gateway]
target_url        = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"

[rate_limiter]
redis_addr   = "localhost:6379"
ip_whitelist = ["10.0.0.1", "::1"]

[[rate_limiter.limiter]]
strategy = "url"
global_bucket = { tokens_count = 5, add_tokens_every = 60 }
buckets_per_value = [
  { value = "/hello", tokens_count = 1, add_tokens_every = 10 },
]

[[rate_limiter.limiter]]
strategy = "query"
buckets_per_value = [
  { value = "user_id", tokens_count = 1, add_tokens_every = 30 },
]
`

func writeSettings(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeSettings(t, validSettings))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9000", cfg.APIGateway.TargetURL)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIGateway.ProxyServerAddr)
	assert.Equal(t, "localhost:6379", cfg.RateLimiter.RedisAddr)
	assert.Equal(t, []string{"10.0.0.1", "::1"}, cfg.RateLimiter.IPWhitelist)
	assert.False(t, cfg.RateLimiter.FailClosed)

	// defaults
	assert.Equal(t, 100*time.Millisecond, cfg.StoreTimeout())
	assert.EqualValues(t, 1<<20, cfg.RateLimiter.MaxBodyBytes)
	assert.Equal(t, "info", cfg.Observability.LogLevel)

	configs := cfg.StrategyConfigs()
	require.Len(t, configs, 2)
	assert.Equal(t, strategy.KindURL, configs[0].Kind)
	require.NotNil(t, configs[0].GlobalBucket)
	assert.Equal(t, 5, configs[0].GlobalBucket.Capacity)
	assert.Equal(t, 60*time.Second, configs[0].GlobalBucket.RefillInterval)
	require.Len(t, configs[0].PerValue, 1)
	assert.Equal(t, "/hello", configs[0].PerValue[0].Value)
	assert.Equal(t, 10*time.Second, configs[0].PerValue[0].Params.RefillInterval)
	assert.Equal(t, strategy.KindQuery, configs[1].Kind)
}

func TestLoad_Invalid(t *testing.T) {
	var tests = []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing file",
			wantErr: "read settings",
		},
		{
			name:    "broken toml",
			body:    "[api_gateway\n",
			wantErr: "parse settings",
		},
		{
			name: "missing target url",
			body: `
[api_gateway]
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
`,
			wantErr: "target_url is required",
		},
		{
			name: "missing redis addr",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
`,
			wantErr: "redis_addr is required",
		},
		{
			name: "bad whitelist entry",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
ip_whitelist = ["localhost"]
`,
			wantErr: `unparseable IP "localhost"`,
		},
		{
			name: "unknown strategy",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
[[rate_limiter.limiter]]
strategy = "user"
global_bucket = { tokens_count = 1, add_tokens_every = 1 }
`,
			wantErr: "unknown strategy kind",
		},
		{
			name: "global bucket on query strategy",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
[[rate_limiter.limiter]]
strategy = "query"
global_bucket = { tokens_count = 1, add_tokens_every = 1 }
`,
			wantErr: "global_bucket is not accepted",
		},
		{
			name: "non-positive token count",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
[[rate_limiter.limiter]]
strategy = "ip"
global_bucket = { tokens_count = 0, add_tokens_every = 60 }
`,
			wantErr: "tokens_count must be positive",
		},
		{
			name: "strategy without any bucket",
			body: `
[api_gateway]
target_url = "localhost:9000"
proxy_server_addr = "127.0.0.1:8080"
[rate_limiter]
redis_addr = "localhost:6379"
[[rate_limiter.limiter]]
strategy = "url"
`,
			wantErr: "either global_bucket or buckets_per_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.toml")
			if tt.body != "" {
				path = writeSettings(t, tt.body)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvSettingsPath, "")
	assert.Equal(t, DefaultSettingsPath, Path())

	t.Setenv(EnvSettingsPath, "/etc/rlproxy/Settings.toml")
	assert.Equal(t, "/etc/rlproxy/Settings.toml", Path())
}
