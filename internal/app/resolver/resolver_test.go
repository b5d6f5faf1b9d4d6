package resolver

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/infra/tidal"
)

type fakeCatalog struct {
	searchResults []catalog.Candidate
	searchErr     error
	searchCalls   int
	lastQuery     string
	tracks        map[string]catalog.Candidate
	getErr        error
	getCalls      int
}

func (f *fakeCatalog) SearchTracks(ctx context.Context, query string, limit int) ([]catalog.Candidate, error) {
	f.searchCalls++
	f.lastQuery = query
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults, nil
}

func (f *fakeCatalog) GetTrack(ctx context.Context, id string) (catalog.Candidate, error) {
	f.getCalls++
	if f.getErr != nil {
		return catalog.Candidate{}, f.getErr
	}
	cand, ok := f.tracks[id]
	if !ok {
		return catalog.Candidate{}, errors.Mark(errors.Newf("track %s not found", id), tidal.ErrNotFound)
	}
	return cand, nil
}

type fakeOverrides struct {
	byKey map[string]string
	err   error
}

func (f *fakeOverrides) GetOverride(ctx context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	id, ok := f.byKey[key]
	return id, ok, nil
}

func testResolverConfig() config.ResolverConfig {
	return config.ResolverConfig{
		TitleWeight:           50,
		ArtistWeight:          30,
		DurationPenaltyPerSec: 2,
		FlagPenalty:           15,
		MinScore:              60,
		SearchLimit:           10,
	}
}

func newTestResolver(cat Catalog, ovr Overrides) *Resolver {
	return New(cat, ovr, testResolverConfig())
}

func testWeights() Weights {
	cfg := testResolverConfig()
	return Weights{
		Title:                 cfg.TitleWeight,
		Artist:                cfg.ArtistWeight,
		DurationPenaltyPerSec: cfg.DurationPenaltyPerSec,
		FlagPenalty:           cfg.FlagPenalty,
		MinScore:              cfg.MinScore,
	}
}

func TestScore(t *testing.T) {
	identity := track.NewIdentity("Halo", "Beyonce", "I Am", 261000)

	tests := []struct {
		name string
		cand catalog.Candidate
		want int
	}{
		{
			name: "exact match",
			cand: catalog.Candidate{Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
			want: 80,
		},
		{
			name: "five seconds duration difference",
			cand: catalog.Candidate{Title: "Halo", Artist: "Beyonce", DurationMs: 266000},
			want: 70,
		},
		{
			name: "cleaned title still earns full title weight",
			cand: catalog.Candidate{Title: "Halo (2009 Remaster)", Artist: "Beyonce", DurationMs: 261000},
			want: 80,
		},
		{
			name: "artist containment counts",
			cand: catalog.Candidate{Title: "Halo", Artist: "Beyonce feat. Guest", DurationMs: 261000},
			want: 80,
		},
		{
			name: "wrong title keeps only artist weight",
			cand: catalog.Candidate{Title: "Crazy in Love", Artist: "Beyonce", DurationMs: 261000},
			want: 30,
		},
		{
			name: "live version penalized",
			cand: catalog.Candidate{Title: "Halo (Live)", Artist: "Beyonce", DurationMs: 261000},
			want: 65,
		},
		{
			name: "explicit mismatch penalized",
			cand: catalog.Candidate{Title: "Halo", Artist: "Beyonce", DurationMs: 261000, Explicit: true},
			want: 65,
		},
		{
			name: "unknown candidate duration skips the penalty",
			cand: catalog.Candidate{Title: "Halo", Artist: "Beyonce", DurationMs: 0},
			want: 80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(identity, tt.cand, testWeights())
			assert.Equal(t, tt.want, got)
			// Deterministic: a second evaluation scores identically.
			assert.Equal(t, got, Score(identity, tt.cand, testWeights()))
		})
	}
}

func TestRank(t *testing.T) {
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)

	t.Run("best above floor wins", func(t *testing.T) {
		candidates := []catalog.Candidate{
			{ID: "weak", Title: "Halo", Artist: "Beyonce", DurationMs: 275000},
			{ID: "strong", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
		}
		best, score, found := Rank(identity, candidates, testWeights())
		require.True(t, found)
		assert.Equal(t, "strong", best.ID)
		assert.Equal(t, 80, score)
	})

	t.Run("tie keeps catalog order", func(t *testing.T) {
		candidates := []catalog.Candidate{
			{ID: "first", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
			{ID: "second", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
		}
		best, _, found := Rank(identity, candidates, testWeights())
		require.True(t, found)
		assert.Equal(t, "first", best.ID)
	})

	t.Run("score at the floor passes", func(t *testing.T) {
		// 50 + 30 - 20 for a ten second difference.
		candidates := []catalog.Candidate{
			{ID: "edge", Title: "Halo", Artist: "Beyonce", DurationMs: 271000},
		}
		best, score, found := Rank(identity, candidates, testWeights())
		require.True(t, found)
		assert.Equal(t, "edge", best.ID)
		assert.Equal(t, 60, score)
	})

	t.Run("all below floor", func(t *testing.T) {
		candidates := []catalog.Candidate{
			{ID: "junk", Title: "Something Else", Artist: "Nobody", DurationMs: 100000},
			{ID: "close", Title: "Halo", Artist: "Beyonce", DurationMs: 272000},
		}
		_, _, found := Rank(identity, candidates, testWeights())
		assert.False(t, found)
	})

	t.Run("empty result set", func(t *testing.T) {
		_, _, found := Rank(identity, nil, testWeights())
		assert.False(t, found)
	})
}

func TestResolve_SearchMatch(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo - Remastered", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		searchResults: []catalog.Candidate{
			{ID: "42", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
		},
	}
	r := newTestResolver(cat, &fakeOverrides{})

	cand, err := r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "42", cand.ID)
	assert.Equal(t, "halo beyonce", cat.lastQuery)
}

func TestResolve_OverridePrecedence(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		searchResults: []catalog.Candidate{
			{ID: "search-hit", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
		},
		tracks: map[string]catalog.Candidate{
			"pinned": {ID: "pinned", Title: "Halo", Artist: "Beyonce", DurationMs: 261000, Tiers: []catalog.QualityTier{catalog.TierMax}},
		},
	}
	ovr := &fakeOverrides{byKey: map[string]string{identity.Key(): "pinned"}}
	r := newTestResolver(cat, ovr)

	cand, err := r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "pinned", cand.ID)
	assert.Equal(t, 0, cat.searchCalls, "override must bypass search entirely")
}

func TestResolve_OverrideTransientError(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		getErr: errors.Mark(errors.New("bad gateway"), tidal.ErrTransient),
	}
	ovr := &fakeOverrides{byKey: map[string]string{identity.Key(): "pinned"}}
	r := newTestResolver(cat, ovr)

	_, err := r.Resolve(ctx, identity)
	require.Error(t, err)
	assert.True(t, tidal.IsTransient(err))
	assert.False(t, IsNoMatch(err))

	// Once the catalog recovers the pinned candidate resolves normally.
	cat.getErr = nil
	cat.tracks = map[string]catalog.Candidate{
		"pinned": {ID: "pinned", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
	}
	cand, err := r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "pinned", cand.ID)
}

func TestResolve_OverrideKeepsPinnedIDWhenGone(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{tracks: map[string]catalog.Candidate{}}
	ovr := &fakeOverrides{byKey: map[string]string{identity.Key(): "pinned"}}
	r := newTestResolver(cat, ovr)

	cand, err := r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "pinned", cand.ID)
	assert.Equal(t, identity.Title, cand.Title)
	assert.False(t, cand.Available)
	assert.Equal(t, []catalog.QualityTier{catalog.TierHigh, catalog.TierLow}, cand.Tiers)
}

func TestResolve_Memoization(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		searchResults: []catalog.Candidate{
			{ID: "42", Title: "Halo", Artist: "Beyonce", DurationMs: 261000},
		},
	}
	r := newTestResolver(cat, &fakeOverrides{})

	_, err := r.Resolve(ctx, identity)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 1, cat.searchCalls)

	r.Forget(identity)
	_, err = r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 2, cat.searchCalls)

	r.Reset()
	_, err = r.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.searchCalls)
}

func TestResolve_NoMatchNotMemoized(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		searchResults: []catalog.Candidate{
			{ID: "junk", Title: "Unrelated", Artist: "Nobody", DurationMs: 90000},
		},
	}
	r := newTestResolver(cat, &fakeOverrides{})

	_, err := r.Resolve(ctx, identity)
	require.Error(t, err)
	assert.True(t, IsNoMatch(err))

	_, err = r.Resolve(ctx, identity)
	require.Error(t, err)
	assert.Equal(t, 2, cat.searchCalls)
}

func TestResolve_SearchTransientError(t *testing.T) {
	ctx := context.Background()
	identity := track.NewIdentity("Halo", "Beyonce", "", 261000)
	cat := &fakeCatalog{
		searchErr: errors.Mark(errors.New("rate limited"), tidal.ErrTransient),
	}
	r := newTestResolver(cat, &fakeOverrides{})

	_, err := r.Resolve(ctx, identity)
	require.Error(t, err)
	assert.True(t, tidal.IsTransient(err))
	assert.False(t, IsNoMatch(err))
}

func TestResolve_EmptyIdentity(t *testing.T) {
	r := newTestResolver(&fakeCatalog{}, &fakeOverrides{})
	_, err := r.Resolve(context.Background(), track.Identity{})
	assert.Error(t, err)
}
