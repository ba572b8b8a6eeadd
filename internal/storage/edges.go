package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/DigiBugCat/noesis/internal/model"
)

// upsertEdgeTx inserts an edge or, if (source, target, type) already exists,
// merges the strength by addition and saturates at 1.0 (spec §3.1 "strength
// upserts merge"). The delta is clamped to [0,1] first, so this can only
// raise an edge; CreateEdge is the variant that accepts a negative delta,
// which the shock propagator uses to halve an injected contradiction edge's
// strength during backtracking.
func upsertEdgeTx(ctx context.Context, tx pgx.Tx, source, target uuid.UUID, edgeType model.EdgeType, delta float64, now time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO edges (source_id, target_id, edge_type, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (source_id, target_id, edge_type) DO UPDATE
		   SET strength = LEAST(GREATEST(edges.strength + $4, 0), 1), updated_at = $5`,
		source, target, edgeType, model.ClampStrength(delta), now,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert edge %s->%s (%s): %w", source, target, edgeType, err)
	}
	return nil
}

// CreateEdge upserts a single edge outside of a pre-existing transaction.
// A new edge gets strength clamped to [0,1]; an existing edge gets strength
// added (negative lowers it), with the sum clamped to [0,1].
func (db *DB) CreateEdge(ctx context.Context, source, target uuid.UUID, edgeType model.EdgeType, strength float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO edges (source_id, target_id, edge_type, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $5, now(), now())
		 ON CONFLICT (source_id, target_id, edge_type) DO UPDATE
		   SET strength = LEAST(GREATEST(edges.strength + $4, 0), 1), updated_at = now()`,
		source, target, edgeType, strength, model.ClampStrength(strength),
	)
	if err != nil {
		return fmt.Errorf("storage: create edge: %w", err)
	}
	return nil
}

// EdgesFrom returns all edges whose source is id, optionally filtered to
// the given types (nil means any type).
func (db *DB) EdgesFrom(ctx context.Context, id uuid.UUID, types []model.EdgeType) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, target_id, edge_type, strength, created_at, updated_at
		 FROM edges WHERE source_id = $1 AND ($2::text[] IS NULL OR edge_type = ANY($2))`,
		id, types,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: edges from: %w", err)
	}
	return scanEdges(rows)
}

// EdgesTo returns all edges whose target is id, optionally filtered to the
// given types.
func (db *DB) EdgesTo(ctx context.Context, id uuid.UUID, types []model.EdgeType) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, target_id, edge_type, strength, created_at, updated_at
		 FROM edges WHERE target_id = $1 AND ($2::text[] IS NULL OR edge_type = ANY($2))`,
		id, types,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: edges to: %w", err)
	}
	return scanEdges(rows)
}

// EdgesAmong returns edges of the given types whose endpoints are both
// within ids — used by the shock propagator to build its restricted
// adjacency matrices. Strength filtering (MIN_STRENGTH) is the caller's
// responsibility (applied once, at Neighborhood time).
func (db *DB) EdgesAmong(ctx context.Context, ids []uuid.UUID, types []model.EdgeType) ([]model.Edge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, target_id, edge_type, strength, created_at, updated_at
		 FROM edges
		 WHERE source_id = ANY($1) AND target_id = ANY($1)
		   AND ($2::text[] IS NULL OR edge_type = ANY($2))`,
		ids, types,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: edges among: %w", err)
	}
	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]model.Edge, error) {
	defer rows.Close()
	var out []model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Type, &e.Strength, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScaleOutgoingSupportEdges multiplies the strength of every outgoing
// derived_from/confirmed_by edge from id by factor, clamped to [0,1] — used
// both for the exposure checker's confirmation boost (factor=1.1, spec
// §4.5.1 step 5) and the shock propagator's edge decay on violation
// (factor=1-f, spec §4.5.3 step 3).
func (db *DB) ScaleOutgoingSupportEdges(ctx context.Context, id uuid.UUID, factor float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE edges SET strength = LEAST(GREATEST(strength * $2, 0), 1), updated_at = now()
		 WHERE source_id = $1 AND edge_type = ANY($3)`,
		id, factor, model.SupportEdgeTypes,
	)
	if err != nil {
		return fmt.Errorf("storage: scale outgoing support edges: %w", err)
	}
	return nil
}

// Neighborhood performs a BFS over support edges (derived_from,
// confirmed_by) up to maxHops away from seed, seed included, honoring a
// minimum strength threshold (spec §4.6 step 1).
func (db *DB) Neighborhood(ctx context.Context, seed uuid.UUID, maxHops int, minStrength float64) ([]uuid.UUID, error) {
	visited := map[uuid.UUID]bool{seed: true}
	frontier := []uuid.UUID{seed}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		rows, err := db.pool.Query(ctx,
			`SELECT source_id, target_id FROM edges
			 WHERE (source_id = ANY($1) OR target_id = ANY($1))
			   AND edge_type = ANY($2) AND strength >= $3`,
			frontier, model.SupportEdgeTypes, minStrength,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: neighborhood bfs: %w", err)
		}
		var next []uuid.UUID
		for rows.Next() {
			var s, t uuid.UUID
			if err := rows.Scan(&s, &t); err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage: scan bfs edge: %w", err)
			}
			if !visited[s] {
				visited[s] = true
				next = append(next, s)
			}
			if !visited[t] {
				visited[t] = true
				next = append(next, t)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}

	out := make([]uuid.UUID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out, nil
}

// AllNodeIDs returns every non-retracted memory id, for C10's nightly
// whole-graph propagation pass (spec §4.10 daily step b), which has no
// single seed to BFS from.
func (db *DB) AllNodeIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM memories WHERE retracted = false`)
	if err != nil {
		return nil, fmt.Errorf("storage: all node ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
