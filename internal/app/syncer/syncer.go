// Package syncer mirrors the source transport onto the playback target.
package syncer

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/player"
)

// defaultRestoreVolumePct is used when the source was never observed at an
// audible volume, so there is nothing better to restore to.
const defaultRestoreVolumePct = 50

// SourceControl is the subset of the source client the synchronizer drives.
type SourceControl interface {
	Pause(ctx context.Context) error
	Next(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SetVolume(ctx context.Context, percent int) error
}

// TargetControl is the subset of the playback adapter the synchronizer drives.
type TargetControl interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SetMute(ctx context.Context, muted bool) error
	Status(ctx context.Context) (player.Status, error)
}

// Syncer pushes source transport changes at the target, never the other way
// around. It is owned and mutated only by the coordinator goroutine.
type Syncer struct {
	source    SourceControl
	target    TargetControl
	driftSink func(deltaMs int64)

	keepSourceAudio  bool
	resumeAtPosition bool
	driftToleranceMs int64
	sourceEndLeadMs  int64
	targetEndGuardMs int64
	targetAdvanceMs  int64
	resumeGuardMs    int64

	muted          bool
	savedVolumePct int
	sourceHeld     bool
	advanceIssued  bool
}

// New creates a synchronizer. driftSink receives the delta of every drift
// correction, in source-minus-target milliseconds.
func New(source SourceControl, target TargetControl, cfg config.SyncConfig, driftSink func(deltaMs int64)) *Syncer {
	return &Syncer{
		source:           source,
		target:           target,
		driftSink:        driftSink,
		keepSourceAudio:  cfg.KeepSourceAudio,
		resumeAtPosition: cfg.ResumeAtPosition,
		driftToleranceMs: int64(cfg.DriftToleranceMs),
		sourceEndLeadMs:  int64(cfg.SourceEndLeadMs),
		targetEndGuardMs: int64(cfg.TargetEndGuardMs),
		targetAdvanceMs:  int64(cfg.TargetAdvanceMs),
		resumeGuardMs:    int64(cfg.ResumeGuardMs),
	}
}

// OnSessionStart aligns both sides when a candidate starts playing. By
// default the source restarts from the top so both renditions run head to
// head; with resume enabled the target jumps to the source position instead.
func (s *Syncer) OnSessionStart(ctx context.Context, src track.SourceState) {
	s.sourceHeld = false
	s.advanceIssued = false

	if !s.keepSourceAudio {
		s.assertSourceMuted(ctx, src.VolumePct)
		if err := s.target.SetMute(ctx, false); err != nil {
			zlog.Warn().Msgf("failed to unmute target: %v", err)
		}
	}

	if s.resumeAtPosition {
		if src.PositionMs > 0 {
			if err := s.target.SeekTo(ctx, src.PositionMs); err != nil {
				zlog.Warn().Msgf("failed to align target to source position: %v", err)
			}
		}
	} else {
		if err := s.source.SeekTo(ctx, 0); err != nil {
			zlog.Warn().Msgf("failed to restart source track: %v", err)
		}
	}

	if !src.Playing {
		if err := s.target.Pause(ctx); err != nil {
			zlog.Warn().Msgf("failed to pause target for paused source: %v", err)
		}
	}
}

// OnTick runs the per-tick mirroring while a session is playing.
func (s *Syncer) OnTick(ctx context.Context, src track.SourceState) {
	if !s.keepSourceAudio {
		s.assertSourceMuted(ctx, src.VolumePct)
	}

	st, err := s.target.Status(ctx)
	if err != nil {
		zlog.Warn().Msgf("failed to read target status: %v", err)
		return
	}

	s.mirrorTransport(ctx, src, st)
	s.correctDrift(ctx, src, st)
	s.coordinateTrackEnd(ctx, src, st)
}

// OnTargetFinished advances the source as soon as the target reaches the end
// of its stream, instead of waiting for the next tick.
func (s *Syncer) OnTargetFinished(ctx context.Context) {
	s.advanceSource(ctx, "target finished")
}

// OnSessionEnd reverts the mute policy and drops coordination flags.
func (s *Syncer) OnSessionEnd(ctx context.Context) {
	s.sourceHeld = false
	s.advanceIssued = false

	if !s.muted {
		return
	}
	restore := s.savedVolumePct
	if restore <= 0 {
		restore = defaultRestoreVolumePct
	}
	if err := s.source.SetVolume(ctx, restore); err != nil {
		// Stay marked muted so a later session end retries the restore.
		zlog.Warn().Msgf("failed to restore source volume: %v", err)
		return
	}
	s.muted = false
	zlog.Info().Msgf("source volume restored: percent=%d", restore)
}

// TargetNearEnd reports whether the target sits inside its final guard
// window. A source track change arriving then is the natural end-of-track
// advance and should wait for the target to finish.
func (s *Syncer) TargetNearEnd(ctx context.Context) bool {
	st, err := s.target.Status(ctx)
	if err != nil {
		return false
	}
	return st.State != player.StateStopped && s.withinTargetEnd(st, s.targetEndGuardMs)
}

// assertSourceMuted forces the source output silent whenever it reports an
// audible volume, remembering that volume for the eventual restore.
func (s *Syncer) assertSourceMuted(ctx context.Context, volumePct int) {
	if volumePct <= 0 && s.muted {
		return
	}
	if volumePct > 0 {
		s.savedVolumePct = volumePct
	}
	if err := s.source.SetVolume(ctx, 0); err != nil {
		zlog.Warn().Msgf("failed to mute source: %v", err)
		return
	}
	if !s.muted {
		zlog.Info().Msgf("source muted: saved_volume=%d", s.savedVolumePct)
	}
	s.muted = true
}

// mirrorTransport applies source play/pause flips to the target.
func (s *Syncer) mirrorTransport(ctx context.Context, src track.SourceState, st player.Status) {
	switch {
	case src.Playing && st.State == player.StatePaused:
		if s.withinTargetEnd(st, s.resumeGuardMs) {
			zlog.Debug().Msg("resume suppressed, target is about to finish")
			return
		}
		if err := s.target.Resume(ctx); err != nil {
			zlog.Warn().Msgf("failed to resume target: %v", err)
			return
		}
		zlog.Info().Msgf("target resumed: position_ms=%d", st.PositionMs)
	case !src.Playing && st.State == player.StatePlaying:
		if s.sourceHeld {
			// The pause is ours; the target keeps running to its own end.
			return
		}
		if err := s.target.Pause(ctx); err != nil {
			zlog.Warn().Msgf("failed to pause target: %v", err)
			return
		}
		zlog.Info().Msgf("target paused: position_ms=%d", st.PositionMs)
	}
}

// correctDrift seeks the target back onto the source position when both are
// playing and the gap exceeds the tolerance.
func (s *Syncer) correctDrift(ctx context.Context, src track.SourceState, st player.Status) {
	if !src.Playing || st.State != player.StatePlaying {
		return
	}
	delta := src.PositionMs - st.PositionMs
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	if abs <= s.driftToleranceMs {
		return
	}
	if err := s.target.SeekTo(ctx, src.PositionMs); err != nil {
		zlog.Warn().Msgf("failed to correct drift: %v", err)
		return
	}
	zlog.Info().Msgf("drift corrected: delta_ms=%d source_ms=%d target_ms=%d", delta, src.PositionMs, st.PositionMs)
	if s.driftSink != nil {
		s.driftSink(delta)
	}
}

// coordinateTrackEnd keeps the two track ends together. The source is held
// just before its natural end while the target still has a longer tail, then
// advanced once the target is done.
func (s *Syncer) coordinateTrackEnd(ctx context.Context, src track.SourceState, st player.Status) {
	if st.DurationMs <= 0 {
		return
	}
	targetRemaining := st.DurationMs - st.PositionMs

	if !s.sourceHeld && src.Playing &&
		src.RemainingMs() < s.sourceEndLeadMs && targetRemaining > s.targetEndGuardMs {
		if err := s.source.Pause(ctx); err != nil {
			zlog.Warn().Msgf("failed to hold source at track end: %v", err)
		} else {
			s.sourceHeld = true
			zlog.Info().Msgf("holding source at track end: source_remaining_ms=%d target_remaining_ms=%d", src.RemainingMs(), targetRemaining)
		}
	}

	if targetRemaining < s.targetAdvanceMs || st.State == player.StateStopped {
		s.advanceSource(ctx, "target stream ending")
	}
}

// advanceSource issues Next on the source, once per session. The resulting
// track change drives the following match.
func (s *Syncer) advanceSource(ctx context.Context, reason string) {
	if s.advanceIssued {
		return
	}
	if err := s.source.Next(ctx); err != nil {
		zlog.Warn().Msgf("failed to advance source: %v", err)
		return
	}
	s.advanceIssued = true
	zlog.Info().Msgf("advancing source: reason=%s", reason)
}

// withinTargetEnd reports whether the target position is inside the final
// withinMs of a stream with known length.
func (s *Syncer) withinTargetEnd(st player.Status, withinMs int64) bool {
	return st.DurationMs > 0 && st.DurationMs-st.PositionMs <= withinMs
}
