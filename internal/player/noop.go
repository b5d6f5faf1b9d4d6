package player

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
)

// defaultStreamDurationMs is the simulated stream length used when the
// adapter runs without explicit settings.
const defaultStreamDurationMs = 240000

// NoopConfig represents the configuration for the noop adapter.
type NoopConfig struct {
	RejectTiers      []string `yaml:"reject_tiers" mapstructure:"reject_tiers"`
	StreamDurationMs int64    `yaml:"stream_duration_ms" mapstructure:"stream_duration_ms" default:"240000" validate:"gt=0"`
}

// Noop simulates playback against the wall clock. It keeps full transport
// semantics (position, pause, seek, mute) without opening any audio device,
// so dry runs and tests behave like real playback.
type Noop struct {
	config *NoopConfig
	reject map[catalog.QualityTier]bool

	mu        sync.Mutex
	state     State
	streamURL string
	tier      catalog.QualityTier
	basePosMs int64
	resumedAt time.Time
	muted     bool
	playToken int
	timer     *time.Timer

	events chan Event
}

// NewNoop creates a new noop adapter.
func NewNoop() *Noop {
	return &Noop{
		state:  StateStopped,
		events: make(chan Event, 16),
	}
}

func (n *Noop) Name() string {
	return "noop"
}

func (n *Noop) Configure(settings map[string]any) error {
	var config NoopConfig
	if err := mapstructure.Decode(settings, &config); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&config); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(config); err != nil {
		return errors.Wrap(err, "validation failed")
	}

	reject := make(map[catalog.QualityTier]bool, len(config.RejectTiers))
	for _, label := range config.RejectTiers {
		tier := catalog.ParseTier(label)
		if tier == catalog.TierUnknown {
			return errors.Newf("unknown reject tier: %s", label)
		}
		reject[tier] = true
	}

	n.config = &config
	n.reject = reject
	zlog.Info().Msgf("noop player config: %+v", config)
	return nil
}

func (n *Noop) Play(ctx context.Context, streamURL string, tier catalog.QualityTier) error {
	if streamURL == "" {
		return errors.Mark(errors.New("empty stream url"), ErrTransient)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.reject[tier] {
		return errors.Mark(errors.Newf("tier not playable on this output: %s", tier), ErrUnsupportedTier)
	}

	n.stopLocked()
	n.state = StatePlaying
	n.streamURL = streamURL
	n.tier = tier
	n.basePosMs = 0
	n.resumedAt = time.Now()
	n.armFinishLocked()
	zlog.Debug().Msgf("noop player started: tier=%s duration_ms=%d", tier, n.durationMsLocked())
	return nil
}

func (n *Noop) Pause(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StatePlaying {
		return nil
	}
	n.basePosMs = n.positionMsLocked()
	n.state = StatePaused
	n.disarmLocked()
	return nil
}

func (n *Noop) Resume(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StatePaused {
		return nil
	}
	n.state = StatePlaying
	n.resumedAt = time.Now()
	n.armFinishLocked()
	return nil
}

func (n *Noop) SeekTo(ctx context.Context, positionMs int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateStopped {
		return errors.Mark(errors.New("no active stream"), ErrTransient)
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if max := n.durationMsLocked(); positionMs > max {
		positionMs = max
	}
	n.basePosMs = positionMs
	n.resumedAt = time.Now()
	if n.state == StatePlaying {
		n.armFinishLocked()
	}
	return nil
}

func (n *Noop) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopLocked()
	return nil
}

func (n *Noop) SetMute(ctx context.Context, muted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.muted = muted
	return nil
}

func (n *Noop) Status(ctx context.Context) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return Status{
		State:      n.state,
		PositionMs: n.positionMsLocked(),
		DurationMs: n.durationMsLocked(),
		Muted:      n.muted,
	}, nil
}

func (n *Noop) Events() <-chan Event {
	return n.events
}

func (n *Noop) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stopLocked()
	return nil
}

// stopLocked resets the transport. Caller must hold the mutex.
func (n *Noop) stopLocked() {
	n.disarmLocked()
	n.state = StateStopped
	n.streamURL = ""
	n.basePosMs = 0
}

// disarmLocked cancels the pending finish callback. Caller must hold the mutex.
func (n *Noop) disarmLocked() {
	n.playToken++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

// armFinishLocked schedules the end-of-stream event. Caller must hold the mutex.
func (n *Noop) armFinishLocked() {
	n.playToken++
	token := n.playToken
	remaining := time.Duration(n.durationMsLocked()-n.basePosMs) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	n.timer = time.AfterFunc(remaining, func() {
		n.finish(token)
	})
}

// finish emits EventFinished unless the stream changed since the timer was armed.
func (n *Noop) finish(token int) {
	n.mu.Lock()
	if token != n.playToken || n.state != StatePlaying {
		n.mu.Unlock()
		return
	}
	n.basePosMs = n.durationMsLocked()
	n.state = StateStopped
	url := n.streamURL
	n.mu.Unlock()

	zlog.Debug().Msgf("noop player reached end of stream: url=%s", url)
	n.emit(Event{Kind: EventFinished})
}

// emit delivers an event without blocking the adapter.
func (n *Noop) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		zlog.Warn().Msgf("noop player event dropped: kind=%d", ev.Kind)
	}
}

// positionMsLocked computes the simulated position. Caller must hold the mutex.
func (n *Noop) positionMsLocked() int64 {
	pos := n.basePosMs
	if n.state == StatePlaying {
		pos += time.Since(n.resumedAt).Milliseconds()
	}
	if max := n.durationMsLocked(); pos > max {
		pos = max
	}
	return pos
}

// durationMsLocked returns the simulated stream length. Caller must hold the mutex.
func (n *Noop) durationMsLocked() int64 {
	if n.config != nil {
		return n.config.StreamDurationMs
	}
	return defaultStreamDurationMs
}

func init() {
	Register("noop", func() Adapter {
		return NewNoop()
	})
}
