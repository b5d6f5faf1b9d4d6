// Package track provides the track identity domain entities.
package track

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultDurationToleranceMs is the duration slack allowed when deciding
// whether two identities refer to the same track. Remasters and radio edits
// commonly differ by a second or two.
const DefaultDurationToleranceMs = 2000

// Identity is the normalized identity of a track as reported by the source
// service. It is the sole key for overrides and favorite progress.
type Identity struct {
	Title      string // Normalized title (lower-cased, trimmed, inner whitespace collapsed)
	Artist     string // Normalized primary artist
	Album      string // Normalized album name
	DurationMs int64  // Track duration in milliseconds
	Explicit   bool   // Explicit flag from source metadata (scoring input, not part of equality)
}

// NewIdentity builds a normalized Identity from raw source metadata.
func NewIdentity(title, artist, album string, durationMs int64) Identity {
	return Identity{
		Title:      Normalize(title),
		Artist:     Normalize(artist),
		Album:      Normalize(album),
		DurationMs: durationMs,
	}
}

// Normalize lower-cases a metadata string, trims it and collapses inner
// whitespace runs to single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IsZero reports whether the identity carries no track at all.
func (id Identity) IsZero() bool {
	return id.Title == "" && id.Artist == ""
}

// Equal reports whether two identities refer to the same track. Title and
// artist must match exactly after normalization; duration may differ within
// toleranceMs.
func (id Identity) Equal(other Identity, toleranceMs int64) bool {
	if id.Title != other.Title || id.Artist != other.Artist {
		return false
	}
	diff := id.DurationMs - other.DurationMs
	if diff < 0 {
		diff = -diff
	}
	return diff <= toleranceMs
}

// Key returns the stable persistence key for the identity, an FNV-1a hash
// over the normalized title and artist. Duration stays out of the hash
// because its equality tolerance cannot survive hashing; duration only
// participates in identity change detection.
func (id Identity) Key() string {
	h := fnv.New64a()
	h.Write([]byte(id.Title))
	h.Write([]byte{0x1f})
	h.Write([]byte(id.Artist))
	return strconv.FormatUint(h.Sum64(), 16)
}

// String renders the identity for logs.
func (id Identity) String() string {
	if id.IsZero() {
		return "(none)"
	}
	return id.Title + " / " + id.Artist
}

var (
	featSuffix    = regexp.MustCompile(`(?i)\s(?:feat\.?|ft\.?|featuring)\s.*$`)
	liveQualifier = regexp.MustCompile(`(?i)\blive\b`)
	mixQualifier  = regexp.MustCompile(`(?i)\b(?:remix|remixed)\b`)
)

// CleanTitle returns the search-query form of the title. Parenthesized
// qualifiers, trailing " - ..." suffixes and featuring credits confuse
// catalog search, so they are stripped. Never used for equality.
func (id Identity) CleanTitle() string {
	t := id.Title
	if i := strings.Index(t, "("); i >= 0 {
		t = t[:i]
	}
	if i := strings.Index(t, " - "); i >= 0 {
		t = t[:i]
	}
	t = featSuffix.ReplaceAllString(t, "")
	if cleaned := strings.TrimSpace(t); cleaned != "" {
		return cleaned
	}
	return id.Title
}

// IsLive reports whether the title text marks a live recording.
func (id Identity) IsLive() bool {
	return liveQualifier.MatchString(id.Title)
}

// IsRemix reports whether the title text marks a remix.
func (id Identity) IsRemix() bool {
	return mixQualifier.MatchString(id.Title)
}

// SourceState is a snapshot of the source service's playback at one poll
// tick. Refreshed every tick, never persisted.
type SourceState struct {
	Identity   Identity  // Currently playing track (zero when nothing is reported)
	PositionMs int64     // Playback position in milliseconds
	Playing    bool      // Whether the source reports active playback
	VolumePct  int       // Source device volume (0-100)
	Device     string    // Active device name
	ObservedAt time.Time // When the snapshot was taken
}

// IsEmpty reports whether the source reported no playback at all.
func (s SourceState) IsEmpty() bool {
	return s.Identity.IsZero()
}

// RemainingMs returns how much of the track is left at this snapshot.
func (s SourceState) RemainingMs() int64 {
	r := s.Identity.DurationMs - s.PositionMs
	if r < 0 {
		return 0
	}
	return r
}
