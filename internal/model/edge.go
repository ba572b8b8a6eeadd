package model

import (
	"time"

	"github.com/google/uuid"
)

// EdgeType distinguishes derivation, contradiction, and confirmation edges.
// The triple (source, target, type) is unique in the store (spec §3.1).
type EdgeType string

const (
	EdgeDerivedFrom EdgeType = "derived_from"
	EdgeViolatedBy  EdgeType = "violated_by"
	EdgeConfirmedBy EdgeType = "confirmed_by"
)

// Edge is a directed, weighted relationship between two memories. Edges
// form a directed multigraph; strength upserts merge (saturating at 1.0).
type Edge struct {
	SourceID  uuid.UUID `json:"source_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Type      EdgeType  `json:"edge_type"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampStrength saturates a proposed edge strength at 1.0 and floors it at 0.
func ClampStrength(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}

// SupportEdgeTypes are the edge types walked by shock propagation and zone
// health neighborhoods (spec §4.5.4, §4.6).
var SupportEdgeTypes = []EdgeType{EdgeDerivedFrom, EdgeConfirmedBy}
