// Package favorite accumulates listening progress and decides when a track
// earned a favorite.
package favorite

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
)

// Tracker accumulates listened milliseconds for the current identity. It is
// owned and mutated only by the coordinator goroutine; the favorite action
// itself runs elsewhere.
type Tracker struct {
	enabled    bool
	threshold  float64
	backseekMs int64

	identity    track.Identity
	accumulated int64
	prevPos     int64
	prevAt      time.Time
	havePrev    bool
	fired       bool
}

// New creates a tracker from config.
func New(cfg config.FavoriteConfig) *Tracker {
	return &Tracker{
		enabled:    !cfg.Disabled,
		threshold:  cfg.Threshold,
		backseekMs: int64(cfg.BackseekResetMs),
	}
}

// OnTrackChanged starts tracking a new identity from zero.
func (t *Tracker) OnTrackChanged(id track.Identity) {
	t.identity = id
	t.accumulated = 0
	t.havePrev = false
	t.fired = false
}

// OnTick folds one source snapshot into the progress. It returns true
// exactly once per identity per session, when the accumulated listening
// crosses the threshold share of the track duration.
func (t *Tracker) OnTick(state track.SourceState) bool {
	if !t.enabled || state.IsEmpty() || state.Identity.Key() != t.identity.Key() {
		return false
	}

	prevPos, prevAt, hadPrev := t.prevPos, t.prevAt, t.havePrev
	t.prevPos = state.PositionMs
	t.prevAt = state.ObservedAt
	t.havePrev = true
	if !hadPrev {
		return false
	}

	delta := state.PositionMs - prevPos
	if delta < -t.backseekMs {
		if t.accumulated > 0 {
			zlog.Debug().Msgf("backward seek resets favorite progress: identity=%s delta_ms=%d accumulated_ms=%d", t.identity, delta, t.accumulated)
		}
		t.accumulated = 0
		return false
	}
	if !state.Playing || delta <= 0 {
		return false
	}

	add := delta
	if elapsed := state.ObservedAt.Sub(prevAt).Milliseconds(); elapsed > 0 && add > elapsed {
		// A forward seek moved the position; only wall time was listened.
		add = elapsed
	}
	t.accumulated += add

	dur := state.Identity.DurationMs
	if dur <= 0 {
		return false
	}
	if t.accumulated > dur {
		t.accumulated = dur
	}
	if t.fired || float64(t.accumulated) < t.threshold*float64(dur) {
		return false
	}

	t.fired = true
	zlog.Info().Msgf("favorite threshold reached: identity=%s accumulated_ms=%d duration_ms=%d", t.identity, t.accumulated, dur)
	return true
}

// Identity returns the identity being tracked.
func (t *Tracker) Identity() track.Identity {
	return t.identity
}

// AccumulatedMs returns the listened time credited so far.
func (t *Tracker) AccumulatedMs() int64 {
	return t.accumulated
}

// Fired reports whether the favorite already fired for this identity this
// session.
func (t *Tracker) Fired() bool {
	return t.fired
}
