package engine

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
)

// EventType classifies public engine events.
type EventType int

const (
	// EventTrackChanged fires when the source moves to a new track.
	EventTrackChanged EventType = iota
	// EventQualityTierChanged fires on every descent of the quality ladder.
	EventQualityTierChanged
	// EventMatchFailed fires when a track cannot be mirrored at all.
	EventMatchFailed
	// EventPlaybackStarted fires when a candidate starts playing on the target.
	EventPlaybackStarted
	// EventFavoriteAdded fires after the favorite action succeeded.
	EventFavoriteAdded
	// EventDriftCorrected fires when the target was seeked back onto the source.
	EventDriftCorrected
	// EventSourceIdle fires when the source has confirmed stopped playing.
	EventSourceIdle
	// EventSourceResumed fires when playback reappears after an idle period.
	EventSourceResumed
	// EventAuthExpired fires when source credentials stop working.
	EventAuthExpired
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTrackChanged:
		return "track_changed"
	case EventQualityTierChanged:
		return "quality_tier_changed"
	case EventMatchFailed:
		return "match_failed"
	case EventPlaybackStarted:
		return "playback_started"
	case EventFavoriteAdded:
		return "favorite_added"
	case EventDriftCorrected:
		return "drift_corrected"
	case EventSourceIdle:
		return "source_idle"
	case EventSourceResumed:
		return "source_resumed"
	case EventAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Event is one entry of the public event stream.
type Event struct {
	Type      EventType
	Identity  track.Identity
	Candidate catalog.Candidate   // PlaybackStarted, QualityTierChanged
	FromTier  catalog.QualityTier // QualityTierChanged
	Tier      catalog.QualityTier // PlaybackStarted, QualityTierChanged
	DeltaMs   int64               // DriftCorrected
	Reason    string              // MatchFailed, AuthExpired
	At        time.Time
}

// Subscribe registers an event consumer with its own buffer. The returned
// cancel func releases the subscription and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish fans an event out to all subscribers. A subscriber with a full
// buffer loses the event; the loop never blocks on delivery.
func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	zlog.Debug().Msgf("engine event: type=%s identity=%s", ev.Type, ev.Identity)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			zlog.Warn().Msgf("subscriber lagging, event dropped: subscriber=%d type=%s", id, ev.Type)
		}
	}
}
