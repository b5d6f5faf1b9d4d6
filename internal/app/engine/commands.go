package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/player"
	"github.com/hifisync/hifisync/internal/store"
)

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Source        track.SourceState
	Session       string
	SessionID     string
	Candidate     catalog.Candidate
	Tier          catalog.QualityTier
	Attempts      int
	Generation    uint64
	AuthExpired   bool
	SourceIdle    bool
	Target        player.Status
	FavoriteMs    int64
	FavoriteFired bool
}

// do runs fn on the coordinator goroutine, giving up when ctx ends.
func (e *Engine) do(ctx context.Context, fn func()) {
	e.send(ctx, message{kind: msgCommand, run: fn})
}

// SetOverride pins an identity to a candidate id. When the overridden track
// is the one playing right now, it is matched again immediately.
func (e *Engine) SetOverride(ctx context.Context, id track.Identity, candidateID string) error {
	if err := e.store.SetOverride(ctx, id, candidateID); err != nil {
		return err
	}
	e.resolver.Forget(id)
	zlog.Info().Msgf("override set: identity=%s candidate=%s", id, candidateID)

	key := id.Key()
	e.do(ctx, func() {
		if e.current.Key() == key && !e.lastState.IsEmpty() {
			zlog.Info().Msgf("override covers current track, matching again: identity=%s", e.current)
			e.beginResolution(e.runCtx, e.lastState)
		}
	})
	return nil
}

// ClearOverride removes the pin for an identity key. It reports whether a
// pin existed.
func (e *Engine) ClearOverride(ctx context.Context, key string) (bool, error) {
	removed, err := e.store.ClearOverride(ctx, key)
	if err != nil {
		return false, err
	}
	e.resolver.ForgetKey(key)
	if !removed {
		return false, nil
	}

	zlog.Info().Msgf("override cleared: key=%s", key)
	e.do(ctx, func() {
		if e.current.Key() == key && !e.lastState.IsEmpty() {
			e.beginResolution(e.runCtx, e.lastState)
		}
	})
	return true, nil
}

// Overrides lists all persisted pins.
func (e *Engine) Overrides(ctx context.Context) ([]store.Override, error) {
	return e.store.ListOverrides(ctx)
}

// ResetAll wipes every pin and favorite mark, then rematches the current
// track from scratch.
func (e *Engine) ResetAll(ctx context.Context) error {
	if err := e.store.ResetAll(ctx); err != nil {
		return err
	}
	e.resolver.Reset()
	zlog.Info().Msg("overrides and favorites reset")

	e.do(ctx, func() {
		if !e.lastState.IsEmpty() {
			e.favorite.OnTrackChanged(e.current)
			e.beginResolution(e.runCtx, e.lastState)
		}
	})
	return nil
}

// Search queries the catalog directly, for picking override candidates.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	if limit <= 0 {
		limit = e.cfg.Resolver.SearchLimit
	}
	return e.catalog.SearchTracks(ctx, query, limit)
}

// SourceCommand forwards a manual transport action to the source service.
func (e *Engine) SourceCommand(ctx context.Context, action string) error {
	switch action {
	case "play":
		return e.source.Play(ctx)
	case "pause":
		return e.source.Pause(ctx)
	case "next":
		return e.source.Next(ctx)
	case "previous":
		return e.source.Previous(ctx)
	default:
		return errors.Newf("unsupported transport action: %s", action)
	}
}

// CurrentStatus snapshots the engine state from inside the loop.
func (e *Engine) CurrentStatus(ctx context.Context) Status {
	reply := make(chan Status, 1)
	e.do(ctx, func() {
		reply <- e.snapshotStatus(ctx)
	})

	select {
	case st := <-reply:
		return st
	case <-ctx.Done():
		return Status{}
	}
}

func (e *Engine) snapshotStatus(ctx context.Context) Status {
	st := Status{
		Source:        e.lastState,
		Session:       e.fallback.State().String(),
		SessionID:     e.sessionID,
		Candidate:     e.fallback.Candidate(),
		Tier:          e.fallback.CurrentTier(),
		Attempts:      e.fallback.Attempts(),
		Generation:    e.gen,
		AuthExpired:   e.authDown,
		SourceIdle:    e.sourceIdle,
		FavoriteMs:    e.favorite.AccumulatedMs(),
		FavoriteFired: e.favorite.Fired(),
	}

	statusCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if target, err := e.adapter.Status(statusCtx); err == nil {
		st.Target = target
	}
	return st
}
