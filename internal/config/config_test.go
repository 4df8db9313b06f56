package config

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/offlinecache/internal/worker"
)

// setupTestEnv sets the minimum environment and isolates the variables a
// developer shell may carry
func setupTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "REDIS_ADDR", "ADMIN_TOKEN",
		"OFFLINE_GENERATION", "OFFLINE_PRECACHE", "OFFLINE_FALLBACK_URL",
		"OFFLINE_PLACEHOLDER_URL", "OFFLINE_API_MARKER", "OFFLINE_INSTALL_POLICY",
		"OFFLINE_IMAGE_PLACEHOLDER", "OFFLINE_STORE_ERRORS", "OFFLINE_SKIP_WAITING",
		"OFFLINE_NETWORK_TIMEOUT", "OFFLINE_CROSS_ORIGIN_HOSTS", "CACHE_BACKEND", "CACHE_DIR", "DATABASE_URL",
		"UPSTREAM_CLIENT_ID", "UPSTREAM_CLIENT_SECRET", "UPSTREAM_TOKEN_URL", "UPSTREAM_SCOPES",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("OFFLINE_ORIGIN", "https://app.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setupTestEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	assert.Equal(t, "file", cfg.Cache.Backend)
	assert.Equal(t, "offline-cache-v1", cfg.Offline.Generation)
	assert.Equal(t, 30*time.Second, cfg.Offline.NetworkTimeout)
	assert.False(t, cfg.HasRedis())
	assert.False(t, cfg.HasUpstreamCredentials())
	assert.Empty(t, cfg.Offline.CrossOriginHosts)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", p.Origin.String())
	assert.Equal(t, worker.InstallStrict, p.InstallFailure)
	assert.Equal(t, worker.StoreErrorsLog, p.StoreErrors)
	assert.True(t, p.ImagePlaceholder)
	assert.True(t, p.SkipWaiting)
	assert.Equal(t, "/offline/", p.OfflineURL)
	assert.Contains(t, p.Precache, "/static/css/styles.css")
}

func TestLoadOverrides(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OFFLINE_GENERATION", "release-42")
	t.Setenv("OFFLINE_PRECACHE", "/, /app.css ,/app.js,")
	t.Setenv("OFFLINE_FALLBACK_URL", "/offline.html")
	t.Setenv("OFFLINE_API_MARKER", "/rpc/")
	t.Setenv("OFFLINE_INSTALL_POLICY", "lenient")
	t.Setenv("OFFLINE_IMAGE_PLACEHOLDER", "false")
	t.Setenv("OFFLINE_STORE_ERRORS", "propagate")
	t.Setenv("OFFLINE_SKIP_WAITING", "false")
	t.Setenv("OFFLINE_NETWORK_TIMEOUT", "2s")
	t.Setenv("CACHE_BACKEND", "badger")
	t.Setenv("CACHE_DIR", "/var/cache/offline")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("UPSTREAM_CLIENT_ID", "gateway")
	t.Setenv("UPSTREAM_CLIENT_SECRET", "s3cret")
	t.Setenv("UPSTREAM_TOKEN_URL", "https://auth.example.com/token")
	t.Setenv("UPSTREAM_SCOPES", "assets:read,api:read")
	t.Setenv("OFFLINE_CROSS_ORIGIN_HOSTS", "cdn.example.net, fonts.example.org:8443")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, "/var/cache/offline", cfg.Cache.Dir)
	assert.True(t, cfg.HasRedis())
	assert.True(t, cfg.HasUpstreamCredentials())
	assert.Equal(t, []string{"assets:read", "api:read"}, cfg.Upstream.Scopes)
	assert.Equal(t, []string{"cdn.example.net", "fonts.example.org:8443"}, cfg.Offline.CrossOriginHosts)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "release-42", p.Generation)
	assert.Equal(t, []string{"/", "/app.css", "/app.js"}, p.Precache)
	assert.Equal(t, "/offline.html", p.OfflineURL)
	assert.Equal(t, "/rpc/", p.APIMarker)
	assert.Equal(t, worker.InstallLenient, p.InstallFailure)
	assert.False(t, p.ImagePlaceholder)
	assert.Equal(t, worker.StoreErrorsPropagate, p.StoreErrors)
	assert.False(t, p.SkipWaiting)
	assert.Equal(t, 2*time.Second, p.NetworkTimeout)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing origin",
			env:     map[string]string{"OFFLINE_ORIGIN": ""},
			wantErr: "OFFLINE_ORIGIN",
		},
		{
			name:    "origin not a url",
			env:     map[string]string{"OFFLINE_ORIGIN": "app.example.com"},
			wantErr: "Origin",
		},
		{
			name:    "bad port",
			env:     map[string]string{"PORT": "http"},
			wantErr: "Port",
		},
		{
			name:    "unknown install policy",
			env:     map[string]string{"OFFLINE_INSTALL_POLICY": "sometimes"},
			wantErr: "InstallPolicy",
		},
		{
			name:    "unknown store error mode",
			env:     map[string]string{"OFFLINE_STORE_ERRORS": "ignore"},
			wantErr: "StoreErrors",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"CACHE_BACKEND": "s3"},
			wantErr: "Backend",
		},
		{
			name:    "postgres without database url",
			env:     map[string]string{"CACHE_BACKEND": "postgres"},
			wantErr: "DatabaseURL",
		},
		{
			name:    "client id without secret",
			env:     map[string]string{"UPSTREAM_CLIENT_ID": "gateway"},
			wantErr: "ClientSecret",
		},
		{
			name:    "bad timeout",
			env:     map[string]string{"OFFLINE_NETWORK_TIMEOUT": "soon"},
			wantErr: "NetworkTimeout",
		},
		{
			name:    "negative timeout",
			env:     map[string]string{"OFFLINE_NETWORK_TIMEOUT": "-1s"},
			wantErr: "network timeout must not be negative",
		},
		{
			name:    "api path in manifest",
			env:     map[string]string{"OFFLINE_PRECACHE": "/,/api/bootstrap"},
			wantErr: "contains api marker",
		},
		{
			name:    "cross-origin host with scheme",
			env:     map[string]string{"OFFLINE_CROSS_ORIGIN_HOSTS": "https://cdn.example.net"},
			wantErr: "CrossOriginHosts",
		},
		{
			name:    "generation with slash",
			env:     map[string]string{"OFFLINE_GENERATION": "a/b"},
			wantErr: "Generation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseEnvWrapsErrors(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "")

	var cfg Config
	err := ParseEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLevelFallsBackToInfo(t *testing.T) {
	cfg := &Config{LogLevel: "loud"}
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}
