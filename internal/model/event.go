package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the category of a memory-lifecycle event (spec §3.1).
type EventType string

const (
	EventViolation                EventType = "violation"
	EventPredictionConfirmed      EventType = "prediction_confirmed"
	EventThoughtPendingResolution EventType = "thought:pending_resolution"

	// Cascade events; <memtype> is substituted at emission time (C7).
	EventCascadeReview EventType = "cascade_review"
	EventCascadeBoost  EventType = "cascade_boost"
	EventCascadeDamage EventType = "cascade_damage"

	EventAssumptionEvidenceValidated   EventType = "assumption:evidence_validated"
	EventAssumptionEvidenceInvalidated EventType = "assumption:evidence_invalidated"
)

// MemoryEvent is a pending or dispatched notification produced by C5/C7,
// queued by C8 and drained by C9 (spec §3.1, §4.8).
type MemoryEvent struct {
	ID           uuid.UUID      `json:"id"`
	SessionID    *uuid.UUID     `json:"session_id,omitempty"`
	EventType    EventType      `json:"event_type"`
	MemoryID     uuid.UUID      `json:"memory_id"`
	ViolatedBy   *uuid.UUID     `json:"violated_by,omitempty"`
	DamageLevel  *DamageLevel   `json:"damage_level,omitempty"`
	Context      map[string]any `json:"context"`
	CreatedAt    time.Time      `json:"created_at"`
	Dispatched   bool           `json:"dispatched"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	ClaimID      *uuid.UUID     `json:"claim_id,omitempty"`
}

// Version is an append-only audit record of a single mutation (spec §3.1).
type Version struct {
	ID           uuid.UUID      `json:"id"`
	EntityID     uuid.UUID      `json:"entity_id"`
	EntityType   string         `json:"entity_type"` // "memory" | "edge" | ...
	ChangeType   string         `json:"change_type"`
	Snapshot     map[string]any `json:"snapshot"`
	ChangeReason *string        `json:"change_reason,omitempty"`
	SessionID    *uuid.UUID     `json:"session_id,omitempty"`
	RequestID    *string        `json:"request_id,omitempty"`
	At           time.Time      `json:"at"`
}

// Notification is a best-effort, out-of-band signal emitted on core/unhealthy
// peripheral violations (spec §4.5.3 step 5) and on manual confirm/violate
// calls that carry notes. Delivery is never mandated by the spec; the store
// just records it for operator visibility.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	Kind      string         `json:"kind"` // "core_violation" | "peripheral_violation" | "manual_confirmation" | "manual_violation"
	MemoryID  uuid.UUID      `json:"memory_id"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
