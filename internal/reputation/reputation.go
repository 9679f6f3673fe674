// Package reputation implements the upload-and-uptime score that orders
// peers and gates transfer behavior. A peer's score is its reported upload
// count plus a small credit for accumulated session time, and the score
// maps to a tier that fixes its upload delay and download parallelism.
package reputation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// UptimeWeight converts accumulated session seconds into score points.
const UptimeWeight = 0.01

// Tier score thresholds. A score below TierPrataMin is bronze, and so on
// up; diamante has no upper bound.
const (
	TierPrataMin    = 10.0
	TierOuroMin     = 20.0
	TierDiamanteMin = 30.0
)

// Tier is a named reputation band.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierPrata    Tier = "prata"
	TierOuro     Tier = "ouro"
	TierDiamante Tier = "diamante"
)

// Score combines uploads and uptime into the ranking value, rounded to
// two decimal places so stored and displayed scores are identical.
func Score(uploads, uptimeSeconds int64) float64 {
	raw := float64(uploads) + UptimeWeight*float64(uptimeSeconds)
	return math.Round(raw*100) / 100
}

// TierFor maps a score to its tier.
func TierFor(score float64) Tier {
	switch {
	case score >= TierDiamanteMin:
		return TierDiamante
	case score >= TierOuroMin:
		return TierOuro
	case score >= TierPrataMin:
		return TierPrata
	default:
		return TierBronze
	}
}

// ParseTier maps a wire string to a Tier. Unknown or empty values fall
// back to bronze, the most conservative band.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPrata, TierOuro, TierDiamante:
		return Tier(s)
	default:
		return TierBronze
	}
}

// UploadDelay is the artificial serving delay applied before a peer sends
// a chunk. Better-reputed requesters wait less.
func (t Tier) UploadDelay() time.Duration {
	switch t {
	case TierDiamante:
		return 0
	case TierOuro:
		return 2 * time.Second
	case TierPrata:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// MaxWorkers is the download parallelism ceiling granted to a peer of
// this tier.
func (t Tier) MaxWorkers() int {
	switch t {
	case TierDiamante:
		return 4
	case TierOuro:
		return 3
	case TierPrata:
		return 2
	default:
		return 1
	}
}

// Stats is one user's reputation record. Score and Tier are derived
// fields, kept stored so snapshots and wire replies carry them ready-made.
// Uptime is whole seconds; fractions of a session second are dropped.
type Stats struct {
	Uploads       int64   `json:"uploads"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Score         float64 `json:"score"`
	Tier          Tier    `json:"tier"`
}

// Recompute refreshes the derived Score and Tier from the counters.
// Callers mutate Uploads or UptimeSeconds and then call this.
func (s *Stats) Recompute() {
	s.Score = Score(s.Uploads, s.UptimeSeconds)
	s.Tier = TierFor(s.Score)
}

// RankedScore pairs a username with its stats. On the wire a ranking
// entry is a two-element array, not an object, so the JSON round-trip is
// implemented by hand.
type RankedScore struct {
	Username string
	Stats    Stats
}

// MarshalJSON encodes the entry as ["username", {stats}].
func (r RankedScore) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.Username, r.Stats})
}

// UnmarshalJSON decodes the ["username", {stats}] pair form.
func (r *RankedScore) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("ranking entry: expected [name, stats] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.Username); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &r.Stats)
}

// Rank returns the score table ordered best-first. Ties break on
// username so the order is stable across calls.
func Rank(scores map[string]*Stats) []RankedScore {
	ranked := make([]RankedScore, 0, len(scores))
	for name, stats := range scores {
		ranked = append(ranked, RankedScore{Username: name, Stats: *stats})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Stats.Score != ranked[j].Stats.Score {
			return ranked[i].Stats.Score > ranked[j].Stats.Score
		}
		return ranked[i].Username < ranked[j].Username
	})
	return ranked
}
