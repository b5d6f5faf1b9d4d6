// Package config provides configuration loading from YAML files.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Source   SourceConfig   `yaml:"source"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Player   PlayerConfig   `yaml:"player"`
	Sync     SyncConfig     `yaml:"sync"`
	Resolver ResolverConfig `yaml:"resolver"`
	Favorite FavoriteConfig `yaml:"favorite"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
}

// LoggingConfig represents logger configuration.
type LoggingConfig struct {
	Output string `yaml:"output" default:"stdout"`
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
}

// SourceConfig represents the source service (Spotify) API configuration.
type SourceConfig struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	RefreshToken string `yaml:"refresh_token" validate:"required"`
}

// CatalogConfig represents the alternate catalog service configuration.
type CatalogConfig struct {
	BaseURL string `yaml:"base_url" default:"https://api.tidal.com/v1"`
	// Token is a static access token. TokenFile points at a JSON session
	// file written by an external auth tool and wins when both are set.
	Token           string  `yaml:"token" validate:"required_without=TokenFile"`
	TokenFile       string  `yaml:"token_file"`
	UserID          string  `yaml:"user_id"`
	Country         string  `yaml:"country" default:"US" validate:"omitempty,len=2"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" default:"5" validate:"gt=0"`
}

// PlayerConfig selects the playback adapter and its adapter-specific
// settings. Settings are validated by the adapter factory, not here.
type PlayerConfig struct {
	Type     string         `yaml:"type" default:"noop" validate:"required"`
	Settings map[string]any `yaml:"settings"`
}

// SyncConfig represents watcher and synchronizer tuning.
type SyncConfig struct {
	PollIntervalMs      int `yaml:"poll_interval_ms" default:"1000" validate:"gte=200,lte=10000"`
	DebounceTicks       int `yaml:"debounce_ticks" default:"2" validate:"gte=1,lte=10"`
	DriftToleranceMs    int `yaml:"drift_tolerance_ms" default:"2000" validate:"gte=500,lte=10000"`
	DurationToleranceMs int `yaml:"duration_tolerance_ms" default:"2000" validate:"gte=0,lte=10000"`
	BackoffCeilingMs    int `yaml:"backoff_ceiling_ms" default:"30000" validate:"gte=1000,lte=300000"`

	// KeepSourceAudio disables the mute policy: by default the source is
	// muted while the catalog side is playing.
	KeepSourceAudio bool `yaml:"keep_source_audio"`
	// ResumeAtPosition aligns the catalog side to the source position when a
	// match starts. By default both sides restart from the beginning.
	ResumeAtPosition bool `yaml:"resume_at_position"`

	// End-of-track coordination thresholds.
	SourceEndLeadMs  int `yaml:"source_end_lead_ms" default:"3000" validate:"gte=1000,lte=10000"`
	TargetEndGuardMs int `yaml:"target_end_guard_ms" default:"5000" validate:"gte=1000,lte=15000"`
	TargetAdvanceMs  int `yaml:"target_advance_ms" default:"1000" validate:"gte=200,lte=5000"`
	ResumeGuardMs    int `yaml:"resume_guard_ms" default:"500" validate:"gte=0,lte=5000"`

	// TierRetryCooldownSec is how long the fallback controller trusts the
	// session tier hint before probing the top tier again.
	TierRetryCooldownSec int `yaml:"tier_retry_cooldown_sec" default:"900" validate:"gte=0"`
}

// ResolverConfig represents the match scoring weights.
type ResolverConfig struct {
	TitleWeight           int `yaml:"title_weight" default:"50" validate:"gt=0"`
	ArtistWeight          int `yaml:"artist_weight" default:"30" validate:"gt=0"`
	DurationPenaltyPerSec int `yaml:"duration_penalty_per_sec" default:"2" validate:"gte=0"`
	FlagPenalty           int `yaml:"flag_penalty" default:"15" validate:"gte=0"`
	MinScore              int `yaml:"min_score" default:"60" validate:"gte=0"`
	SearchLimit           int `yaml:"search_limit" default:"10" validate:"gte=1,lte=50"`
}

// FavoriteConfig represents the auto-favorite feature configuration.
type FavoriteConfig struct {
	Disabled        bool    `yaml:"disabled"`
	Threshold       float64 `yaml:"threshold" default:"0.9" validate:"gt=0,lte=1"`
	BackseekResetMs int     `yaml:"backseek_reset_ms" default:"5000" validate:"gte=1000"`
}

// StoreConfig represents the persistence configuration.
type StoreConfig struct {
	Path string `yaml:"path" default:"hifisync.db" validate:"required"`
}

// APIConfig represents the local control API configuration.
type APIConfig struct {
	Disabled bool   `yaml:"disabled"`
	Addr     string `yaml:"addr" default:"127.0.0.1:8080"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides credential values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Source.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Source.ClientSecret = v
	}
	if v := os.Getenv("SPOTIFY_REFRESH_TOKEN"); v != "" {
		c.Source.RefreshToken = v
	}
	if v := os.Getenv("TIDAL_TOKEN"); v != "" {
		c.Catalog.Token = v
	}
	if v := os.Getenv("TIDAL_TOKEN_FILE"); v != "" {
		c.Catalog.TokenFile = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	// Drift correction below the poll cadence would fight the poller.
	if c.Sync.DriftToleranceMs < c.Sync.PollIntervalMs {
		return errors.Newf("drift_tolerance_ms (%d) must be >= poll_interval_ms (%d)",
			c.Sync.DriftToleranceMs, c.Sync.PollIntervalMs)
	}

	return nil
}
