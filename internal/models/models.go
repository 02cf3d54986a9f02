package models

import (
	"fmt"
	"time"
)

// EntityKind is the category of a tracked discovery entity
type EntityKind string

const (
	KindSound   EntityKind = "sound"
	KindHashtag EntityKind = "hashtag"
	KindCreator EntityKind = "creator"
)

// Valid reports whether the kind is one of the tracked categories
func (k EntityKind) Valid() bool {
	switch k {
	case KindSound, KindHashtag, KindCreator:
		return true
	}
	return false
}

// EntityRef identifies a tracked entity. Identity is the pair; the
// display name lives on snapshots and the entities table.
type EntityRef struct {
	Kind       EntityKind `json:"kind"`
	ExternalID string     `json:"external_id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ExternalID)
}

// Snapshot is one observation of an entity. Snapshots are immutable and
// append-only, totally ordered per entity by CapturedAt.
type Snapshot struct {
	Entity      EntityRef `json:"entity"`
	DisplayName string    `json:"display_name"`
	CapturedAt  time.Time `json:"captured_at"`
	ViewCount   int64     `json:"view_count"`
	Likes       *int64    `json:"likes,omitempty"`
	Shares      *int64    `json:"shares,omitempty"`
	VideoCount  *int64    `json:"video_count,omitempty"`
}

// Delta is the reconciled change between two consecutive snapshots of
// the same entity. Corrected marks a platform-side count correction
// (negative view delta); downstream clamps its growth contribution.
type Delta struct {
	ElapsedSeconds float64
	ViewDelta      int64
	Corrected      bool
}

// Window is a fixed lookback duration for growth computation
type Window string

const (
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window24h Window = "24h"
)

// Windows lists all configured lookback windows, shortest first.
var Windows = []Window{Window1h, Window6h, Window24h}

// Duration returns the lookback duration for the window
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window6h:
		return 6 * time.Hour
	case Window24h:
		return 24 * time.Hour
	}
	return 0
}

// GrowthRate is the rate of change over one window, reported as a
// ratio. Corrected is set when a negative raw rate was clamped to zero.
type GrowthRate struct {
	Window     Window    `json:"window"`
	Rate       float64   `json:"rate"`
	Corrected  bool      `json:"corrected"`
	ComputedAt time.Time `json:"computed_at"`
}

// RateSet holds the defined growth rates keyed by window. A window
// absent from the map is undefined, which is distinct from zero growth.
type RateSet map[Window]GrowthRate

// Rate returns the rate for a window and whether it is defined
func (s RateSet) Rate(w Window) (GrowthRate, bool) {
	r, ok := s[w]
	return r, ok
}

// Stage is a coarse classification of an entity's popularity
// trajectory. Stages are totally ordered but not monotonic; a stage
// can regress when growth stalls or a count correction lands.
type Stage int

const (
	StageNew Stage = iota
	StageEarlyTraction
	StageSteady
	StageMassive
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageEarlyTraction:
		return "early_traction"
	case StageSteady:
		return "steady"
	case StageMassive:
		return "massive"
	}
	return "unknown"
}

// Classification records the stage decided for an entity and the view
// count the decision was based on
type Classification struct {
	Entity       EntityRef `json:"entity"`
	Stage        Stage     `json:"stage"`
	ViewCount    int64     `json:"view_count"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// Priority is the alert tier
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// AlertEvent is a breakout alert for one entity. DedupKey suppresses
// re-firing the same condition within a cooldown bucket.
type AlertEvent struct {
	ID            string    `json:"id"`
	Entity        EntityRef `json:"entity"`
	DisplayName   string    `json:"display_name"`
	Priority      Priority  `json:"priority"`
	TriggerWindow Window    `json:"trigger_window"`
	TriggerRate   float64   `json:"trigger_rate"`
	ViewCount     int64     `json:"view_count"`
	Stage         Stage     `json:"stage"`
	DedupKey      string    `json:"dedup_key"`
	CreatedAt     time.Time `json:"created_at"`
}
