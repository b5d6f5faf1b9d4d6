package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a fully-populated config the way Load leaves it after
// defaults are applied.
func validConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stdout", Level: "info"},
		Source: SourceConfig{
			ClientID:     "test-client-id",
			ClientSecret: "test-client-secret",
			RefreshToken: "test-refresh-token",
		},
		Catalog: CatalogConfig{
			BaseURL:         "https://api.tidal.com/v1",
			Token:           "test-token",
			Country:         "US",
			RateLimitPerSec: 5,
		},
		Player: PlayerConfig{Type: "noop"},
		Sync: SyncConfig{
			PollIntervalMs:       1000,
			DebounceTicks:        2,
			DriftToleranceMs:     2000,
			DurationToleranceMs:  2000,
			BackoffCeilingMs:     30000,
			SourceEndLeadMs:      3000,
			TargetEndGuardMs:     5000,
			TargetAdvanceMs:      1000,
			ResumeGuardMs:        500,
			TierRetryCooldownSec: 900,
		},
		Resolver: ResolverConfig{
			TitleWeight:           50,
			ArtistWeight:          30,
			DurationPenaltyPerSec: 2,
			FlagPenalty:           15,
			MinScore:              60,
			SearchLimit:           10,
		},
		Favorite: FavoriteConfig{Threshold: 0.9, BackseekResetMs: 5000},
		Store:    StoreConfig{Path: "hifisync.db"},
		API:      APIConfig{Addr: "127.0.0.1:8080"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing source client id",
			mutate:  func(c *Config) { c.Source.ClientID = "" },
			wantErr: true,
			errMsg:  "ClientID",
		},
		{
			name:    "missing source refresh token",
			mutate:  func(c *Config) { c.Source.RefreshToken = "" },
			wantErr: true,
			errMsg:  "RefreshToken",
		},
		{
			name:    "missing catalog token without token file",
			mutate:  func(c *Config) { c.Catalog.Token = "" },
			wantErr: true,
			errMsg:  "Token",
		},
		{
			name: "token file alone is enough",
			mutate: func(c *Config) {
				c.Catalog.Token = ""
				c.Catalog.TokenFile = "/tmp/tidal-session.json"
			},
			wantErr: false,
		},
		{
			name:    "invalid catalog country length",
			mutate:  func(c *Config) { c.Catalog.Country = "USA" },
			wantErr: true,
			errMsg:  "Country",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
			errMsg:  "Level",
		},
		{
			name:    "favorite threshold above one",
			mutate:  func(c *Config) { c.Favorite.Threshold = 1.5 },
			wantErr: true,
			errMsg:  "Threshold",
		},
		{
			name:    "poll interval too small",
			mutate:  func(c *Config) { c.Sync.PollIntervalMs = 50 },
			wantErr: true,
			errMsg:  "PollIntervalMs",
		},
		{
			name: "drift tolerance below poll interval",
			mutate: func(c *Config) {
				c.Sync.PollIntervalMs = 4000
				c.Sync.DriftToleranceMs = 2000
			},
			wantErr: true,
			errMsg:  "drift_tolerance_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err, "expected validation to fail")
				assert.Contains(t, err.Error(), tt.errMsg,
					"error message should mention the problematic field")
			} else {
				assert.NoError(t, err, "expected validation to pass")
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
source:
  client_id: test-client-id
  client_secret: test-client-secret
  refresh_token: test-refresh-token
catalog:
  token: test-token
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "US", cfg.Catalog.Country)
	assert.Equal(t, "https://api.tidal.com/v1", cfg.Catalog.BaseURL)
	assert.Equal(t, "noop", cfg.Player.Type)
	assert.Equal(t, 1000, cfg.Sync.PollIntervalMs)
	assert.Equal(t, 2, cfg.Sync.DebounceTicks)
	assert.Equal(t, 2000, cfg.Sync.DriftToleranceMs)
	assert.Equal(t, 30000, cfg.Sync.BackoffCeilingMs)
	assert.False(t, cfg.Sync.KeepSourceAudio)
	assert.Equal(t, 0.9, cfg.Favorite.Threshold)
	assert.False(t, cfg.Favorite.Disabled)
	assert.Equal(t, 60, cfg.Resolver.MinScore)
	assert.Equal(t, "hifisync.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
source:
  client_id: file-client-id
  client_secret: file-client-secret
  refresh_token: file-refresh-token
catalog:
  token: file-token
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("SPOTIFY_CLIENT_ID", "env-client-id")
	t.Setenv("TIDAL_TOKEN", "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-client-id", cfg.Source.ClientID)
	assert.Equal(t, "file-client-secret", cfg.Source.ClientSecret)
	assert.Equal(t, "env-token", cfg.Catalog.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
