// Package player provides playback adapters for the local audio target.
package player

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/infra/config"
)

// State represents the adapter transport state.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the adapter transport.
type Status struct {
	State      State
	PositionMs int64
	DurationMs int64 // 0 when the adapter cannot determine stream length
	Muted      bool
}

// EventKind classifies asynchronous adapter notifications.
type EventKind int

const (
	// EventFinished signals that playback reached the end of the stream.
	EventFinished EventKind = iota
	// EventFailed signals that playback aborted before the end of the stream.
	EventFailed
)

// Event is an asynchronous notification from an adapter.
type Event struct {
	Kind EventKind
	Err  error // set for EventFailed
}

// Adapters mark returned errors so callers can tell a tier capability
// problem from a passing failure.
var (
	// ErrUnsupportedTier marks failures where the adapter cannot open or
	// decode the requested quality tier.
	ErrUnsupportedTier = errors.New("player: unsupported tier")
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("player: transient failure")
)

// IsUnsupportedTier returns true if err is a tier capability failure.
func IsUnsupportedTier(err error) bool {
	return errors.Is(err, ErrUnsupportedTier)
}

// IsTransient returns true if err is a retryable adapter failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Adapter is the interface playback backends implement.
type Adapter interface {
	// Name returns the adapter name (used in config).
	Name() string
	// Configure applies adapter settings from config.
	Configure(settings map[string]any) error
	// Play starts playback of the given stream at the given tier.
	Play(ctx context.Context, streamURL string, tier catalog.QualityTier) error
	// Pause suspends playback keeping the current position.
	Pause(ctx context.Context) error
	// Resume continues paused playback.
	Resume(ctx context.Context) error
	// SeekTo moves the playback position.
	SeekTo(ctx context.Context, positionMs int64) error
	// Stop ends playback and discards the current stream.
	Stop(ctx context.Context) error
	// SetMute mutes or unmutes output without touching the transport.
	SetMute(ctx context.Context, muted bool) error
	// Status reports the current transport snapshot.
	Status(ctx context.Context) (Status, error)
	// Events delivers completion and failure notifications.
	Events() <-chan Event
	// Close releases adapter resources.
	Close() error
}

// registry holds registered adapter factories.
var registry = make(map[string]func() Adapter)

// Register registers an adapter factory under the given name.
func Register(name string, factory func() Adapter) {
	registry[name] = factory
}

// GetRegistered returns all registered adapter factories.
func GetRegistered() map[string]func() Adapter {
	return registry
}

// New creates and configures the adapter selected by the given config.
func New(cfg config.PlayerConfig) (Adapter, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, errors.Newf("unsupported player type: %s", cfg.Type)
	}

	adapter := factory()
	if err := adapter.Configure(cfg.Settings); err != nil {
		return nil, errors.Wrapf(err, "failed to configure player (type %s)", cfg.Type)
	}

	zlog.Info().Msgf("player adapter ready: type=%s", cfg.Type)
	return adapter, nil
}
