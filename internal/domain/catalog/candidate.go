// Package catalog provides the alternate-catalog domain entities.
package catalog

import (
	"sort"
	"strings"
)

// QualityTier is a ranked stream-quality option offered by the catalog for a
// track. Higher values mean higher fidelity.
type QualityTier int

const (
	TierUnknown QualityTier = iota
	TierLow
	TierHigh
	TierLossless
	TierMax
)

// String returns the human-readable tier name.
func (q QualityTier) String() string {
	switch q {
	case TierLow:
		return "Low"
	case TierHigh:
		return "High"
	case TierLossless:
		return "Lossless"
	case TierMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// Label returns the catalog API's wire label for the tier.
func (q QualityTier) Label() string {
	switch q {
	case TierLow:
		return "LOW"
	case TierHigh:
		return "HIGH"
	case TierLossless:
		return "LOSSLESS"
	case TierMax:
		return "HIRES_LOSSLESS"
	default:
		return ""
	}
}

// ParseTier maps a catalog audio-quality label onto a tier. Unrecognized
// labels map to TierUnknown and are dropped by NormalizeTiers.
func ParseTier(label string) QualityTier {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "LOW":
		return TierLow
	case "HIGH":
		return TierHigh
	case "LOSSLESS":
		return TierLossless
	case "HIRES_LOSSLESS", "HI_RES_LOSSLESS", "HI_RES":
		return TierMax
	default:
		return TierUnknown
	}
}

// NormalizeTiers deduplicates tiers, drops unknowns and orders the result
// highest first, the order fallback attempts walk them in.
func NormalizeTiers(tiers []QualityTier) []QualityTier {
	seen := make(map[QualityTier]bool, len(tiers))
	out := make([]QualityTier, 0, len(tiers))
	for _, t := range tiers {
		if t == TierUnknown || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// Candidate is one alternate-catalog track considered for playback of a
// source identity.
type Candidate struct {
	ID         string        // Catalog track ID
	Title      string        // Title as reported by the catalog
	Artist     string        // Primary artist
	Album      string        // Album name
	DurationMs int64         // Duration in milliseconds
	Tiers      []QualityTier // Available quality tiers, highest first
	Available  bool          // Region availability
	Explicit   bool          // Explicit lyrics flag
}

// HighestTier returns the best tier the candidate offers, TierUnknown when
// it offers none.
func (c Candidate) HighestTier() QualityTier {
	if len(c.Tiers) == 0 {
		return TierUnknown
	}
	return c.Tiers[0]
}
