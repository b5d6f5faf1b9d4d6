// Package resolver maps source track identities onto catalog candidates.
package resolver

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/infra/tidal"
)

// ErrNoMatch is returned when no catalog candidate scores above the floor.
var ErrNoMatch = errors.New("resolver: no match found")

// IsNoMatch returns true if err is a definitive no-match result. Anything
// else coming out of Resolve is worth retrying.
func IsNoMatch(err error) bool {
	return errors.Is(err, ErrNoMatch)
}

// Catalog is the subset of the catalog client the resolver needs.
type Catalog interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]catalog.Candidate, error)
	GetTrack(ctx context.Context, id string) (catalog.Candidate, error)
}

// Overrides is the subset of the override store the resolver needs.
type Overrides interface {
	GetOverride(ctx context.Context, key string) (string, bool, error)
}

// Weights parameterizes the scoring function.
type Weights struct {
	Title                 int
	Artist                int
	DurationPenaltyPerSec int
	FlagPenalty           int
	MinScore              int
}

// Resolver turns source identities into catalog candidates, override first,
// then deterministic search ranking. Successful resolutions are memoized for
// the lifetime of the process.
type Resolver struct {
	catalog     Catalog
	overrides   Overrides
	weights     Weights
	searchLimit int

	mu   sync.Mutex
	memo map[string]catalog.Candidate
}

// New creates a resolver over the given catalog and override store.
func New(cat Catalog, overrides Overrides, cfg config.ResolverConfig) *Resolver {
	return &Resolver{
		catalog:   cat,
		overrides: overrides,
		weights: Weights{
			Title:                 cfg.TitleWeight,
			Artist:                cfg.ArtistWeight,
			DurationPenaltyPerSec: cfg.DurationPenaltyPerSec,
			FlagPenalty:           cfg.FlagPenalty,
			MinScore:              cfg.MinScore,
		},
		searchLimit: cfg.SearchLimit,
		memo:        make(map[string]catalog.Candidate),
	}
}

// Resolve returns the catalog candidate for the given identity. An existing
// override always wins over search. Returns an error marked ErrNoMatch when
// nothing in the catalog scores above the floor.
func (r *Resolver) Resolve(ctx context.Context, id track.Identity) (catalog.Candidate, error) {
	if id.IsZero() {
		return catalog.Candidate{}, errors.New("cannot resolve empty identity")
	}
	key := id.Key()

	r.mu.Lock()
	cached, ok := r.memo[key]
	r.mu.Unlock()
	if ok {
		zlog.Debug().Msgf("resolution memo hit: identity=%s candidate=%s", id, cached.ID)
		return cached, nil
	}

	cand, err := r.lookup(ctx, id, key)
	if err != nil {
		return catalog.Candidate{}, err
	}

	r.mu.Lock()
	r.memo[key] = cand
	r.mu.Unlock()
	return cand, nil
}

// Forget drops the memoized resolution for one identity.
func (r *Resolver) Forget(id track.Identity) {
	r.ForgetKey(id.Key())
}

// ForgetKey drops the memoized resolution for a raw identity key.
func (r *Resolver) ForgetKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.memo, key)
}

// Reset drops all memoized resolutions.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = make(map[string]catalog.Candidate)
}

func (r *Resolver) lookup(ctx context.Context, id track.Identity, key string) (catalog.Candidate, error) {
	overrideID, ok, err := r.overrides.GetOverride(ctx, key)
	if err != nil {
		return catalog.Candidate{}, errors.Wrap(err, "failed to read override")
	}
	if ok {
		return r.lookupOverride(ctx, id, overrideID)
	}
	return r.search(ctx, id)
}

func (r *Resolver) lookupOverride(ctx context.Context, id track.Identity, candidateID string) (catalog.Candidate, error) {
	cand, err := r.catalog.GetTrack(ctx, candidateID)
	if err != nil {
		if tidal.IsTransient(err) {
			return catalog.Candidate{}, errors.Wrapf(err, "failed to fetch overridden candidate %s", candidateID)
		}
		// A pinned id is still attempted when its metadata lookup fails
		// for good; the attempt ladder surfaces the real failure.
		zlog.Warn().Msgf("overridden candidate lookup failed, keeping pinned id: identity=%s candidate=%s err=%v", id, candidateID, err)
		return catalog.Candidate{
			ID:         candidateID,
			Title:      id.Title,
			Artist:     id.Artist,
			Album:      id.Album,
			DurationMs: id.DurationMs,
			Tiers:      []catalog.QualityTier{catalog.TierHigh, catalog.TierLow},
			Available:  false,
			Explicit:   id.Explicit,
		}, nil
	}
	zlog.Info().Msgf("override resolved: identity=%s candidate=%s", id, cand.ID)
	return cand, nil
}

func (r *Resolver) search(ctx context.Context, id track.Identity) (catalog.Candidate, error) {
	query := strings.TrimSpace(id.CleanTitle() + " " + id.Artist)
	results, err := r.catalog.SearchTracks(ctx, query, r.searchLimit)
	if err != nil {
		return catalog.Candidate{}, errors.Wrapf(err, "failed to search catalog (query %s)", query)
	}

	best, score, found := Rank(id, results, r.weights)
	if !found {
		zlog.Info().Msgf("no catalog match: identity=%s results=%d", id, len(results))
		return catalog.Candidate{}, errors.Mark(errors.Newf("no catalog match for %s", id), ErrNoMatch)
	}
	zlog.Info().Msgf("catalog match: identity=%s candidate=%s score=%d", id, best.ID, score)
	return best, nil
}

// Rank scores every candidate against the identity and returns the best one
// at or above the floor. Ties keep the earliest candidate, so catalog result
// ordering breaks them. Pure function of its inputs.
func Rank(identity track.Identity, candidates []catalog.Candidate, w Weights) (catalog.Candidate, int, bool) {
	bestIdx := -1
	bestScore := 0
	for i, cand := range candidates {
		score := Score(identity, cand, w)
		if score < w.MinScore {
			continue
		}
		if bestIdx < 0 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx < 0 {
		return catalog.Candidate{}, 0, false
	}
	return candidates[bestIdx], bestScore, true
}

// Score computes the deterministic match score of one candidate against a
// source identity. Pure function of its inputs.
func Score(identity track.Identity, cand catalog.Candidate, w Weights) int {
	c := track.NewIdentity(cand.Title, cand.Artist, cand.Album, cand.DurationMs)
	c.Explicit = cand.Explicit

	score := 0

	if c.Title == identity.Title || c.CleanTitle() == identity.CleanTitle() {
		score += w.Title
	}
	if artistsMatch(identity.Artist, c.Artist) {
		score += w.Artist
	}

	if identity.DurationMs > 0 && cand.DurationMs > 0 {
		diffMs := identity.DurationMs - cand.DurationMs
		if diffMs < 0 {
			diffMs = -diffMs
		}
		score -= int(diffMs/1000) * w.DurationPenaltyPerSec
	}

	if identity.IsLive() != c.IsLive() {
		score -= w.FlagPenalty
	}
	if identity.IsRemix() != c.IsRemix() {
		score -= w.FlagPenalty
	}
	if identity.Explicit != c.Explicit {
		score -= w.FlagPenalty
	}

	return score
}

// artistsMatch compares normalized artist names. Containment in either
// direction counts, so "artist" matches "artist feat. guest".
func artistsMatch(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}
