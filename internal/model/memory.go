// Package model defines the unified memory/edge data model shared by every
// component of the belief-revision engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Source is the origin of an observation. A thought has no Source; it is
// derived instead (see DerivedFrom).
type Source string

const (
	SourceMarket   Source = "market"
	SourceNews     Source = "news"
	SourceEarnings Source = "earnings"
	SourceEmail    Source = "email"
	SourceHuman    Source = "human"
	SourceTool     Source = "tool"
)

// State is a memory's lifecycle stage.
type State string

const (
	StateActive    State = "active"
	StateConfirmed State = "confirmed"
	StateViolated  State = "violated"
	StateResolved  State = "resolved"
)

// Outcome is only meaningful once State == StateResolved.
type Outcome string

const (
	OutcomeCorrect    Outcome = "correct"
	OutcomeIncorrect  Outcome = "incorrect"
	OutcomeVoid       Outcome = "void"
	OutcomeSuperseded Outcome = "superseded" // externally set; honored by scoring only (spec §9).
)

// ExposureCheckStatus tracks C11's intake-queue lifecycle for a memory.
type ExposureCheckStatus string

const (
	ExposurePending    ExposureCheckStatus = "pending"
	ExposureProcessing ExposureCheckStatus = "processing"
	ExposureCompleted  ExposureCheckStatus = "completed"
	ExposureSkipped    ExposureCheckStatus = "skipped"
)

// Reserved tags that mark a memory as a resolution artifact. Memories
// carrying any of these never re-enter the exposure checker (spec §9,
// "feedback-loop prevention").
const (
	TagResolution     = "resolution"
	TagResolver       = "resolver"
	TagAutoResolution = "auto-resolution"
)

// DamageLevel classifies how structurally important a violated memory is.
type DamageLevel string

const (
	DamageCore       DamageLevel = "core"
	DamagePeripheral DamageLevel = "peripheral"
)

// CentralityCoreThreshold is the centrality value above which a memory is
// "core" rather than "peripheral" (spec §4.3, §GLOSSARY).
const CentralityCoreThreshold = 5

// Violation records a single piece of contradicting evidence against a memory.
type Violation struct {
	Condition       string      `json:"condition"`
	Timestamp       time.Time   `json:"timestamp"`
	ObsID           uuid.UUID   `json:"obs_id"`
	DamageLevel     DamageLevel `json:"damage_level"`
	SourceType      string      `json:"source_type"` // "direct" | "cascade"
	CascadeSourceID *uuid.UUID  `json:"cascade_source_id,omitempty"`
}

// Memory is the single content entity in the store. Its logical type
// (observation / thought / time-bound thought) is never stored redundantly;
// it is derived at read time from field presence (spec §3.1, §9
// "field-presence typing").
type Memory struct {
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
	Tags    []string  `json:"tags,omitempty"`

	// Origin: exactly one of Source or DerivedFrom (non-empty) is set at
	// creation time (enforced by C1, never both left empty).
	Source      *Source     `json:"source,omitempty"`
	DerivedFrom []uuid.UUID `json:"derived_from,omitempty"`

	// Conditions, each an ordered list of natural-language sentences.
	InvalidatesIf []string `json:"invalidates_if,omitempty"`
	ConfirmsIf    []string `json:"confirms_if,omitempty"`
	Assumes       []string `json:"assumes,omitempty"`

	// Deadline (predictions only).
	ResolvesBy      *int64  `json:"resolves_by,omitempty"` // epoch ms
	OutcomeCondition *string `json:"outcome_condition,omitempty"`

	// Confidence state.
	StartingConfidence   float64  `json:"starting_confidence"`
	Confirmations        int      `json:"confirmations"`
	TimesTested          int      `json:"times_tested"`
	Contradictions       int      `json:"contradictions"`
	Centrality           int      `json:"centrality"`
	PropagatedConfidence *float64 `json:"propagated_confidence,omitempty"`

	// Lifecycle.
	State      State    `json:"state"`
	Outcome    *Outcome `json:"outcome,omitempty"`
	Retracted  bool     `json:"retracted"`
	RetractReason *string `json:"retract_reason,omitempty"`

	// Exposure tracking.
	ExposureCheckStatus ExposureCheckStatus `json:"exposure_check_status"`
	Violations          []Violation         `json:"violations,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
}

// Kind is the logical, never-persisted type of a memory.
type Kind string

const (
	KindObservation     Kind = "observation"
	KindThought         Kind = "thought"
	KindTimeBoundThought Kind = "time_bound_thought"
)

// DeriveKind computes a memory's logical type from field presence, per
// spec §3.1. This is always a pure projection — the tag is never stored.
func (m Memory) DeriveKind() Kind {
	if m.Source != nil {
		return KindObservation
	}
	if m.ResolvesBy != nil {
		return KindTimeBoundThought
	}
	return KindThought
}

// IsObservation reports whether m is an observation (graph root, spec
// invariant 1).
func (m Memory) IsObservation() bool {
	return m.DeriveKind() == KindObservation
}

// TimeBound reports whether m is a prediction (time-bound thought).
func (m Memory) TimeBound() bool {
	return m.ResolvesBy != nil
}

// HasResolutionTag reports whether m carries a reserved resolution tag and
// must therefore be excluded from exposure checking (spec §9).
func (m Memory) HasResolutionTag() bool {
	for _, t := range m.Tags {
		if t == TagResolution || t == TagResolver || t == TagAutoResolution {
			return true
		}
	}
	return false
}

// DamageLevelFor returns the damage level implied by a centrality value
// (spec §4.3, §GLOSSARY).
func DamageLevelFor(centrality int) DamageLevel {
	if centrality > CentralityCoreThreshold {
		return DamageCore
	}
	return DamagePeripheral
}

// Draft is the input to CreateMemory (C1). It carries only the fields a
// caller may set; server-computed fields (id, confidence state, timestamps,
// state) are filled in by the store.
type Draft struct {
	Content          string
	Tags             []string
	Source           *Source
	DerivedFrom      []uuid.UUID
	InvalidatesIf    []string
	ConfirmsIf       []string
	Assumes          []string
	ResolvesBy       *int64
	OutcomeCondition *string
}

// Patch is a partial update to a memory, used by update(id, patch).
type Patch struct {
	Tags                 *[]string
	State                *State
	Outcome              *Outcome
	PropagatedConfidence *float64
	ExposureCheckStatus  *ExposureCheckStatus
}
