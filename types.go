package noesis

import (
	"time"

	"github.com/google/uuid"
)

// Memory is the public representation of a stored belief (observation or
// thought). It is a curated view of internal/model.Memory for use in
// extension interfaces — no internal package imports, safe to use from
// outside the module.
type Memory struct {
	ID               uuid.UUID
	Content          string
	Tags             []string
	Source           *string
	DerivedFrom      []uuid.UUID
	InvalidatesIf    []string
	ConfirmsIf       []string
	Assumes          []string
	ResolvesBy       *int64
	OutcomeCondition *string
	State            string
	Confidence       float64
	TimesTested      int
	Centrality       int
	Retracted        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Notification is a record of a violation or confirmation surfaced through
// insights(violations) (spec §6.1, §4.9).
type Notification struct {
	ID        uuid.UUID
	Kind      string
	MemoryID  uuid.UUID
	Message   string
	Context   map[string]any
	CreatedAt time.Time
}

// ZoneHealth is one memory's advisory neighborhood-quality snapshot (spec
// §4.5.4), surfaced through insights(zone_health).
type ZoneHealth struct {
	MemoryID   uuid.UUID
	QualityPct float64
	Balanced   bool
}

// Stats is the public shape of stats() (spec §6.1): the nightly-recomputed
// priors plus a live snapshot of memory counts.
type Stats struct {
	MaxTimesTested    int
	MedianTimesTested float64
	SourcePriors      map[string]float64
	TotalCount        int
	ByState           map[string]int
	ByKind            map[string]int
}
