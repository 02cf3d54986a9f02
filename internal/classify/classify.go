package classify

import (
	"time"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
)

// Thresholds is the immutable configuration for one classification
// run. Callers pass it explicitly; there is no process-wide default
// to mutate.
type Thresholds struct {
	EarlyTractionViews int64
	SteadyViews        int64
	MassiveViews       int64
	HighGrowth         float64
	ModerateGrowth     float64
}

// DefaultThresholds returns the standard bracket and growth floors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EarlyTractionViews: 10_000,
		SteadyViews:        100_000,
		MassiveViews:       1_000_000,
		HighGrowth:         0.5,
		ModerateGrowth:     0.2,
	}
}

// rule is one guarded entry in the decision table
type rule struct {
	stage models.Stage
	match func(t Thresholds, viewCount int64, rates models.RateSet) bool
}

// The table is evaluated top-down, first match wins. An undefined rate
// never satisfies a growth guard, so brand-new entities land on New
// rather than a higher stage on insufficient evidence.
var rules = []rule{
	{
		stage: models.StageMassive,
		match: func(t Thresholds, viewCount int64, _ models.RateSet) bool {
			return viewCount >= t.MassiveViews
		},
	},
	{
		stage: models.StageSteady,
		match: func(t Thresholds, viewCount int64, rates models.RateSet) bool {
			if viewCount < t.SteadyViews {
				return false
			}
			if r, ok := rates.Rate(models.Window6h); ok && r.Rate >= t.HighGrowth {
				return true
			}
			if r, ok := rates.Rate(models.Window24h); ok && r.Rate >= t.ModerateGrowth {
				return true
			}
			return false
		},
	},
	{
		stage: models.StageEarlyTraction,
		match: func(t Thresholds, viewCount int64, rates models.RateSet) bool {
			if viewCount < t.EarlyTractionViews || viewCount >= t.SteadyViews {
				return false
			}
			r, ok := shortWindowRate(rates)
			return ok && r >= t.HighGrowth
		},
	},
}

// shortWindowRate picks the shortest defined window, preferring 1h.
func shortWindowRate(rates models.RateSet) (float64, bool) {
	if r, ok := rates.Rate(models.Window1h); ok {
		return r.Rate, true
	}
	if r, ok := rates.Rate(models.Window6h); ok {
		return r.Rate, true
	}
	return 0, false
}

// Classify maps the current view count and available growth rates to a
// virality stage. It is deterministic and stateless: identical inputs
// always produce the identical stage, and each run is independent, so
// a stage may regress when growth stalls or a count correction lands.
func Classify(t Thresholds, snapshot models.Snapshot, rates models.RateSet, now time.Time) models.Classification {
	stage := models.StageNew
	for _, r := range rules {
		if r.match(t, snapshot.ViewCount, rates) {
			stage = r.stage
			break
		}
	}

	return models.Classification{
		Entity:       snapshot.Entity,
		Stage:        stage,
		ViewCount:    snapshot.ViewCount,
		ClassifiedAt: now,
	}
}
