package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hifisync/hifisync/internal/domain/track"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOverride_SetGetClear(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := track.NewIdentity("Karma Police", "Radiohead", "OK Computer", 261000)

	// Absent before set.
	_, found, err := s.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetOverride(ctx, id, "cand-1"))

	candidateID, found, err := s.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cand-1", candidateID)

	// Set replaces the previous mapping.
	require.NoError(t, s.SetOverride(ctx, id, "cand-2"))
	candidateID, found, err = s.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cand-2", candidateID)

	existed, err := s.ClearOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, existed)

	_, found, err = s.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, found)

	existed, err = s.ClearOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, existed, "clearing twice reports nothing to clear")
}

func TestOverride_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")
	id := track.NewIdentity("Pyramid Song", "Radiohead", "Amnesiac", 289000)

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetOverride(ctx, id, "cand-9"))
	require.NoError(t, s.MarkFavorited(ctx, id.Key()))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	candidateID, found, err := reopened.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cand-9", candidateID)

	favorited, err := reopened.IsFavorited(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, favorited)
}

func TestOverride_Validation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	err := s.SetOverride(ctx, track.Identity{}, "cand-1")
	assert.Error(t, err, "zero identity rejected")

	id := track.NewIdentity("Song", "Artist", "", 0)
	err = s.SetOverride(ctx, id, "")
	assert.Error(t, err, "empty candidate rejected")
}

func TestListOverrides(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := track.NewIdentity("Song A", "Artist A", "", 180000)
	second := track.NewIdentity("Song B", "Artist B", "", 200000)
	require.NoError(t, s.SetOverride(ctx, first, "cand-a"))
	require.NoError(t, s.SetOverride(ctx, second, "cand-b"))

	overrides, err := s.ListOverrides(ctx)
	require.NoError(t, err)
	require.Len(t, overrides, 2)

	keys := []string{overrides[0].Key, overrides[1].Key}
	assert.Contains(t, keys, first.Key())
	assert.Contains(t, keys, second.Key())
	for _, o := range overrides {
		assert.NotEmpty(t, o.Title)
		assert.NotEmpty(t, o.Artist)
		assert.NotEmpty(t, o.CandidateID)
		assert.False(t, o.CreatedAt.IsZero())
	}
}

func TestFavorites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := track.NewIdentity("Reckoner", "Radiohead", "In Rainbows", 290000)

	favorited, err := s.IsFavorited(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, favorited)

	require.NoError(t, s.MarkFavorited(ctx, id.Key()))
	require.NoError(t, s.MarkFavorited(ctx, id.Key()), "second mark is a no-op")

	favorited, err = s.IsFavorited(ctx, id.Key())
	require.NoError(t, err)
	assert.True(t, favorited)
}

func TestResetAll(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := track.NewIdentity("Nude", "Radiohead", "In Rainbows", 255000)

	require.NoError(t, s.SetOverride(ctx, id, "cand-1"))
	require.NoError(t, s.MarkFavorited(ctx, id.Key()))

	require.NoError(t, s.ResetAll(ctx))

	_, found, err := s.GetOverride(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, found)

	favorited, err := s.IsFavorited(ctx, id.Key())
	require.NoError(t, err)
	assert.False(t, favorited)

	overrides, err := s.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}
