package model

import "github.com/google/uuid"

// FindFilter narrows find_by_query results to one memory kind (spec §6.1).
type FindFilter struct {
	ObservationsOnly bool
	ThoughtsOnly     bool
	PredictionsOnly  bool
}

// FindQuery is the request shape for the read API's find(...) operation.
type FindQuery struct {
	Query            string
	Filter           FindFilter
	Limit            int
	MinSimilarity    float64
	IncludeRetracted bool
}

// ReferenceDirection selects which side of the derivation graph to walk for
// reference(id, up|down|both, depth).
type ReferenceDirection string

const (
	ReferenceUp   ReferenceDirection = "up"
	ReferenceDown ReferenceDirection = "down"
	ReferenceBoth ReferenceDirection = "both"
)

// InsightsView selects an aggregate view for insights(view).
type InsightsView string

const (
	InsightsViolations InsightsView = "violations"
	InsightsStuckJobs  InsightsView = "stuck_jobs"
	InsightsZoneHealth InsightsView = "zone_health"
)

// QueryFilters narrows structured reads over memories.
type QueryFilters struct {
	Type             *Kind
	Source           *Source
	State            *State
	MinCentrality    *int
	IncludeRetracted bool
}

// ConditionKind distinguishes invalidates_if from confirms_if conditions
// when storage.ListConditionIDs needs to pick a column.
type ConditionKind string

const (
	ConditionInvalidates ConditionKind = "invalidates_if"
	ConditionConfirms    ConditionKind = "confirms_if"
)

// IntakeJob is the payload enqueued by C1 and consumed by C11 (spec §4.11).
type IntakeJob struct {
	MemoryID      uuid.UUID
	IsObservation bool
	Content       string
	Embedding     []float32
	InvalidatesIf []string
	ConfirmsIf    []string
	Assumes       []string
	TimeBound     bool
	SessionID     *uuid.UUID
	RequestID     string
	Timestamp     int64
}
