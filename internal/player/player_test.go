package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hifisync/hifisync/internal/infra/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.PlayerConfig
		wantErr bool
	}{
		{
			name:    "noop adapter",
			cfg:     config.PlayerConfig{Type: "noop"},
			wantErr: false,
		},
		{
			name: "noop adapter with settings",
			cfg: config.PlayerConfig{
				Type: "noop",
				Settings: map[string]any{
					"reject_tiers": []string{"HIRES_LOSSLESS"},
				},
			},
			wantErr: false,
		},
		{
			name:    "unsupported type",
			cfg:     config.PlayerConfig{Type: "chromecast"},
			wantErr: true,
		},
		{
			name: "invalid settings",
			cfg: config.PlayerConfig{
				Type: "noop",
				Settings: map[string]any{
					"stream_duration_ms": -1,
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Type, adapter.Name())
		})
	}
}

func TestGetRegistered(t *testing.T) {
	registered := GetRegistered()
	assert.Contains(t, registered, "noop")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "unknown", State(99).String())
}
