// Package fallback walks the quality ladder for one playback session.
package fallback

import (
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
)

// State represents the playback session state.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StatePlaying
	StateExhausted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StatePlaying:
		return "playing"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Decision tells the coordinator what to do with an attempt result.
type Decision int

const (
	// DecisionNone discards the result (stale generation or no active attempt).
	DecisionNone Decision = iota
	// DecisionPlaying accepts the result; the session is now playing.
	DecisionPlaying
	// DecisionRetry descends the ladder; the returned tier is attempted next.
	DecisionRetry
	// DecisionExhausted ends the ladder with no playable tier left.
	DecisionExhausted
)

// String returns a human-readable decision name.
func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionPlaying:
		return "playing"
	case DecisionRetry:
		return "retry"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Controller drives the tier descent for the current track. It is owned and
// mutated only by the coordinator goroutine, so it carries no locking; the
// attempts themselves run elsewhere and report back with the generation they
// were started under.
type Controller struct {
	cooldown time.Duration
	now      func() time.Time

	state      State
	candidate  catalog.Candidate
	generation uint64
	ladder     []catalog.QualityTier
	idx        int
	attempts   int
	lastErr    error

	hint      catalog.QualityTier
	hintSetAt time.Time
}

// New creates an idle controller. cooldown bounds how long a session tier
// hint suppresses probing the top tier again.
func New(cooldown time.Duration) *Controller {
	return &Controller{
		cooldown: cooldown,
		now:      time.Now,
		hint:     catalog.TierUnknown,
	}
}

// Begin starts the attempt ladder for a candidate under the given
// generation. It returns the first tier to attempt, or false when the
// candidate exposes no playable tier at all.
func (c *Controller) Begin(cand catalog.Candidate, generation uint64) (catalog.QualityTier, bool) {
	c.generation = generation
	c.attempts = 0
	c.lastErr = nil

	ladder := catalog.NormalizeTiers(cand.Tiers)
	if len(ladder) == 0 {
		c.state = StateIdle
		c.candidate = catalog.Candidate{}
		c.ladder = nil
		c.idx = 0
		return catalog.TierUnknown, false
	}

	c.state = StateAttempting
	c.candidate = cand
	c.ladder = ladder
	c.idx = c.startIdx(ladder)

	tier := ladder[c.idx]
	zlog.Info().Msgf("starting playback attempts: candidate=%s tier=%s ladder=%v generation=%d", cand.ID, tier, ladder, generation)
	return tier, true
}

// OnResult folds an attempt result into the session. Results carrying a
// stale generation, or arriving outside an active attempt, are discarded.
func (c *Controller) OnResult(generation uint64, tier catalog.QualityTier, err error) (Decision, catalog.QualityTier) {
	if generation != c.generation || c.state != StateAttempting {
		zlog.Debug().Msgf("discarding attempt result: generation=%d current=%d state=%s", generation, c.generation, c.state)
		return DecisionNone, catalog.TierUnknown
	}
	if c.idx >= len(c.ladder) || tier != c.ladder[c.idx] {
		zlog.Debug().Msgf("discarding out-of-order attempt result: tier=%s", tier)
		return DecisionNone, catalog.TierUnknown
	}

	c.attempts++
	if err == nil {
		c.state = StatePlaying
		c.hint = tier
		c.hintSetAt = c.now()
		zlog.Info().Msgf("playback attempt succeeded: candidate=%s tier=%s attempts=%d", c.candidate.ID, tier, c.attempts)
		return DecisionPlaying, tier
	}

	c.lastErr = err
	if c.idx+1 >= len(c.ladder) {
		c.state = StateExhausted
		zlog.Warn().Msgf("quality ladder exhausted: candidate=%s attempts=%d err=%v", c.candidate.ID, c.attempts, err)
		return DecisionExhausted, catalog.TierUnknown
	}

	c.idx++
	next := c.ladder[c.idx]
	zlog.Info().Msgf("descending quality ladder: candidate=%s from=%s to=%s err=%v", c.candidate.ID, tier, next, err)
	return DecisionRetry, next
}

// Cancel abandons the active session. The tier hint survives so the next
// track still benefits from it.
func (c *Controller) Cancel() {
	c.state = StateIdle
	c.candidate = catalog.Candidate{}
	c.ladder = nil
	c.idx = 0
	c.attempts = 0
	c.lastErr = nil
}

// State returns the session state.
func (c *Controller) State() State {
	return c.state
}

// Candidate returns the candidate of the active session.
func (c *Controller) Candidate() catalog.Candidate {
	return c.candidate
}

// Generation returns the generation the active session was started under.
func (c *Controller) Generation() uint64 {
	return c.generation
}

// CurrentTier returns the tier being attempted or played, TierUnknown when idle.
func (c *Controller) CurrentTier() catalog.QualityTier {
	if c.state != StateAttempting && c.state != StatePlaying {
		return catalog.TierUnknown
	}
	return c.ladder[c.idx]
}

// Attempts returns how many attempts the active session has consumed.
func (c *Controller) Attempts() int {
	return c.attempts
}

// LastError returns the most recent attempt failure of the active session.
func (c *Controller) LastError() error {
	return c.lastErr
}

// Hint returns the session tier hint.
func (c *Controller) Hint() catalog.QualityTier {
	return c.hint
}

// startIdx picks the entry point into the ladder. A session hint short
// circuits tiers that recently failed; once the cooldown elapses the top
// tier is probed again.
func (c *Controller) startIdx(ladder []catalog.QualityTier) int {
	if c.hint == catalog.TierUnknown || c.hint >= ladder[0] {
		return 0
	}
	if c.now().Sub(c.hintSetAt) >= c.cooldown {
		zlog.Debug().Msgf("tier hint expired, probing from the top: hint=%s", c.hint)
		c.hint = catalog.TierUnknown
		return 0
	}
	for i, tier := range ladder {
		if tier <= c.hint {
			return i
		}
	}
	return len(ladder) - 1
}
