package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/theobattaglia1/tiktok-trending-data/internal/models"
)

// Thresholds holds the growth floors for each alert tier and the
// dedup cooldown. Passed explicitly into each evaluation.
type Thresholds struct {
	HighRate1h   float64
	MediumRate6h float64
	LowRate24h   float64
	Cooldown     time.Duration
}

// DefaultThresholds returns the standard alert tiers with a one hour
// dedup cooldown.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighRate1h:   2.0,
		MediumRate6h: 1.0,
		LowRate24h:   0.5,
		Cooldown:     time.Hour,
	}
}

// tier is one guarded entry in the priority table, highest first
type tier struct {
	priority models.Priority
	window   models.Window
	floor    func(t Thresholds) float64
}

var tiers = []tier{
	{priority: models.PriorityHigh, window: models.Window1h, floor: func(t Thresholds) float64 { return t.HighRate1h }},
	{priority: models.PriorityMedium, window: models.Window6h, floor: func(t Thresholds) float64 { return t.MediumRate6h }},
	{priority: models.PriorityLow, window: models.Window24h, floor: func(t Thresholds) float64 { return t.LowRate24h }},
}

// Evaluate decides the alert for one entity, first match wins, at most
// one per cycle. An undefined rate never satisfies a tier. Returns nil
// when no tier matches; dedup against prior alerts is the caller's
// concern via the event's DedupKey.
func Evaluate(t Thresholds, snapshot models.Snapshot, stage models.Stage, rates models.RateSet, now time.Time) *models.AlertEvent {
	for _, tr := range tiers {
		r, ok := rates.Rate(tr.window)
		if !ok || r.Rate < tr.floor(t) {
			continue
		}

		return &models.AlertEvent{
			ID:            uuid.New().String(),
			Entity:        snapshot.Entity,
			DisplayName:   snapshot.DisplayName,
			Priority:      tr.priority,
			TriggerWindow: tr.window,
			TriggerRate:   r.Rate,
			ViewCount:     snapshot.ViewCount,
			Stage:         stage,
			DedupKey:      DedupKey(snapshot.Entity, tr.priority, now, t.Cooldown),
			CreatedAt:     now,
		}
	}
	return nil
}

// DedupKey derives the suppression key for an alert: the entity, the
// priority tier, and the creation time floored to the cooldown bucket.
// Two cycles inside one bucket produce the same key, so a sustained
// spike alerts once per bucket instead of once per cycle.
func DedupKey(entity models.EntityRef, priority models.Priority, createdAt time.Time, cooldown time.Duration) string {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	bucket := createdAt.UTC().Truncate(cooldown).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", entity.Kind, entity.ExternalID, priority, bucket)))
	return hex.EncodeToString(sum[:])
}
