// ABOUTME: Ranking profiles and the blended relevance score
// ABOUTME: score = w_sim*sim + w_conf*conf + w_rec*decay with half-life recency

package hybrid

import (
	"math"
	"sort"
	"time"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/store"
)

// Profile weights the three ranking signals. Weights are fixed per
// profile; callers pick a profile, not raw weights.
type Profile struct {
	Name          string
	WeightSim     float64
	WeightConf    float64
	WeightRecency float64
	HalfLifeHours float64
}

// DefaultProfile is used when a search names no profile.
const DefaultProfile = "balanced"

var profiles = map[string]Profile{
	"recent":     {Name: "recent", WeightSim: 0.30, WeightConf: 0.10, WeightRecency: 0.60, HalfLifeHours: 24},
	"quality":    {Name: "quality", WeightSim: 0.40, WeightConf: 0.50, WeightRecency: 0.10, HalfLifeHours: 720},
	"balanced":   {Name: "balanced", WeightSim: 0.34, WeightConf: 0.33, WeightRecency: 0.33, HalfLifeHours: 168},
	"similarity": {Name: "similarity", WeightSim: 1.00, WeightConf: 0.00, WeightRecency: 0.00, HalfLifeHours: 8760},
}

// ProfileFor resolves a profile by name; the empty name selects the
// default.
func ProfileFor(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fault.BadRequestf("unknown ranking profile %q", name)
	}
	return p, nil
}

// defaultConfidence stands in for messages that carry none.
const defaultConfidence = 0.5

// Score blends similarity, confidence, and recency for one message at
// the given evaluation instant.
func (p Profile) Score(msg *store.Message, similarity float64, now time.Time) float64 {
	conf := defaultConfidence
	if msg.Confidence != nil {
		conf = *msg.Confidence
	}

	ageHours := (float64(now.UnixMilli())/1000.0 - msg.Timestamp) / 3600.0
	if ageHours < 0 {
		ageHours = 0
	}
	decay := math.Exp(-math.Ln2 * ageHours / p.HalfLifeHours)

	return p.WeightSim*similarity + p.WeightConf*conf + p.WeightRecency*decay
}

// Result is one ranked search hit.
type Result struct {
	Message    store.Message
	Similarity float64
	Score      float64
}

// rank scores and orders results in place: score descending, message id
// ascending on ties.
func rank(results []Result, p Profile, now time.Time) {
	for i := range results {
		results[i].Score = p.Score(&results[i].Message, results[i].Similarity, now)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Message.ID < results[j].Message.ID
	})
}
