// Package watcher polls the source service and turns playback snapshots
// into change events.
package watcher

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/infra/spotify"
)

// pollTimeout bounds a single source API call.
const pollTimeout = 5 * time.Second

// EventKind classifies watcher events.
type EventKind int

const (
	// EventTick delivers the fresh source snapshot, every successful poll.
	EventTick EventKind = iota
	// EventTrackChanged fires when the playing identity differs from the
	// previous tick.
	EventTrackChanged
	// EventStateChanged fires on a play/pause flip or a user seek.
	EventStateChanged
	// EventSourceIdle fires once the source has reported no playback for
	// the configured number of consecutive ticks.
	EventSourceIdle
	// EventAuthExpired fires once when source credentials stop working.
	EventAuthExpired
)

// String returns a human-readable event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventTrackChanged:
		return "track_changed"
	case EventStateChanged:
		return "state_changed"
	case EventSourceIdle:
		return "source_idle"
	case EventAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Event is one watcher observation. For change events Prev carries the
// snapshot of the previous tick.
type Event struct {
	Kind  EventKind
	State track.SourceState
	Prev  track.SourceState
	Err   error // set for EventAuthExpired
}

// Source is the subset of the source client the watcher needs.
type Source interface {
	CurrentPlayback(ctx context.Context) (track.SourceState, error)
}

// AuthNotifier is told when source credentials stop working.
type AuthNotifier interface {
	AuthExpired(err error)
}

// Watcher polls the source on a fixed interval, backing off on transient
// failures. All fields are touched only from the Run goroutine.
type Watcher struct {
	source   Source
	notifier AuthNotifier
	sink     func(Event)

	interval          time.Duration
	ceiling           time.Duration
	debounceTicks     int
	driftToleranceMs  int64
	durationTolerance int64

	prev       track.SourceState
	emptyTicks int
	failures   int
	authDown   bool
}

// New creates a watcher. Events are delivered through sink in poll order,
// synchronously from the Run goroutine.
func New(source Source, notifier AuthNotifier, cfg config.SyncConfig, sink func(Event)) *Watcher {
	return &Watcher{
		source:            source,
		notifier:          notifier,
		sink:              sink,
		interval:          time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		ceiling:           time.Duration(cfg.BackoffCeilingMs) * time.Millisecond,
		debounceTicks:     cfg.DebounceTicks,
		driftToleranceMs:  int64(cfg.DriftToleranceMs),
		durationTolerance: int64(cfg.DurationToleranceMs),
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	zlog.Info().Msgf("source watcher started: interval_ms=%d", w.interval.Milliseconds())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			zlog.Info().Msg("source watcher stopped")
			return nil
		case <-timer.C:
		}
		timer.Reset(w.pollOnce(ctx))
	}
}

// pollOnce performs one poll and returns the delay until the next one.
func (w *Watcher) pollOnce(ctx context.Context) time.Duration {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	state, err := w.source.CurrentPlayback(pollCtx)
	cancel()

	if err != nil {
		return w.handleError(err)
	}

	if w.failures > 0 || w.authDown {
		zlog.Info().Msgf("source polling recovered: failures=%d", w.failures)
	}
	w.failures = 0
	w.authDown = false

	w.handleState(state)
	return w.interval
}

// handleError classifies a poll failure and returns the backoff delay.
func (w *Watcher) handleError(err error) time.Duration {
	if spotify.IsAuthExpired(err) {
		if !w.authDown {
			w.authDown = true
			zlog.Error().Msgf("source auth expired, polling at ceiling until it recovers: err=%v", err)
			if w.notifier != nil {
				w.notifier.AuthExpired(err)
			}
			w.emit(Event{Kind: EventAuthExpired, Err: err})
		}
		return w.ceiling
	}

	w.failures++
	delay := w.backoffDelay()
	zlog.Warn().Msgf("source poll failed: failures=%d next_poll_ms=%d err=%v", w.failures, delay.Milliseconds(), err)
	return delay
}

// backoffDelay doubles the nominal interval per consecutive failure, capped
// at the ceiling.
func (w *Watcher) backoffDelay() time.Duration {
	delay := w.interval
	for i := 0; i < w.failures; i++ {
		delay *= 2
		if delay >= w.ceiling {
			return w.ceiling
		}
	}
	return delay
}

// handleState diffs the snapshot against the previous tick and emits events.
func (w *Watcher) handleState(state track.SourceState) {
	prev := w.prev
	w.prev = state

	if state.IsEmpty() {
		w.emptyTicks++
		if w.emptyTicks == w.debounceTicks {
			zlog.Info().Msgf("source idle confirmed: ticks=%d", w.emptyTicks)
			w.emit(Event{Kind: EventSourceIdle, State: state, Prev: prev})
		}
		w.emit(Event{Kind: EventTick, State: state, Prev: prev})
		return
	}
	w.emptyTicks = 0

	switch {
	case prev.IsEmpty() || !state.Identity.Equal(prev.Identity, w.durationTolerance):
		zlog.Info().Msgf("track changed: from=%s to=%s", prev.Identity, state.Identity)
		w.emit(Event{Kind: EventTrackChanged, State: state, Prev: prev})
	case state.Playing != prev.Playing:
		zlog.Info().Msgf("playback state changed: playing=%t position_ms=%d", state.Playing, state.PositionMs)
		w.emit(Event{Kind: EventStateChanged, State: state, Prev: prev})
	case w.positionJumped(prev, state):
		zlog.Info().Msgf("position jump detected: from_ms=%d to_ms=%d", prev.PositionMs, state.PositionMs)
		w.emit(Event{Kind: EventStateChanged, State: state, Prev: prev})
	}

	w.emit(Event{Kind: EventTick, State: state, Prev: prev})
}

// positionJumped reports whether the position moved further than continuous
// playback explains, meaning the user seeked.
func (w *Watcher) positionJumped(prev, cur track.SourceState) bool {
	if prev.IsEmpty() || !prev.Playing || !cur.Playing {
		return false
	}
	elapsed := cur.ObservedAt.Sub(prev.ObservedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	diff := cur.PositionMs - (prev.PositionMs + elapsed)
	if diff < 0 {
		diff = -diff
	}
	return diff > w.driftToleranceMs
}

func (w *Watcher) emit(ev Event) {
	if w.sink != nil {
		w.sink(ev)
	}
}
