package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DigiBugCat/noesis/internal/model"
)

// appendVersionTx writes an audit row inside tx. Used by C1 mutation
// methods so the audit entry is atomic with the mutation it records
// (spec §3.1 Version, mirroring the teacher's mutation-audit pattern).
func appendVersionTx(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, entityType, changeType string, snapshot, before any, sessionID *uuid.UUID, requestID string, at time.Time) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage: marshal version snapshot: %w", err)
	}
	var reason *string
	if before != nil {
		beforeJSON, err := json.Marshal(before)
		if err == nil {
			s := string(beforeJSON)
			reason = &s
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO memory_versions (id, entity_id, entity_type, change_type, snapshot, change_reason, session_id, request_id, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), entityID, entityType, changeType, snapshotJSON, reason, sessionID, nullIfEmpty(requestID), at,
	)
	if err != nil {
		return fmt.Errorf("storage: insert version: %w", err)
	}
	return nil
}

// appendVersion is appendVersionTx without a pre-existing transaction, used
// by mutations that are otherwise a single statement (e.g. retract).
func appendVersion(ctx context.Context, pool *pgxpool.Pool, entityID uuid.UUID, entityType, changeType string, snapshot, before any, sessionID *uuid.UUID, requestID string, at time.Time) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := appendVersionTx(ctx, tx, entityID, entityType, changeType, snapshot, before, sessionID, requestID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Versions returns the audit trail for an entity, newest first.
func (db *DB) Versions(ctx context.Context, entityID uuid.UUID) ([]model.Version, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, entity_id, entity_type, change_type, snapshot, change_reason, session_id, request_id, at
		 FROM memory_versions WHERE entity_id = $1 ORDER BY at DESC`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", err)
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		var v model.Version
		var snapshotJSON []byte
		if err := rows.Scan(&v.ID, &v.EntityID, &v.EntityType, &v.ChangeType, &snapshotJSON, &v.ChangeReason, &v.SessionID, &v.RequestID, &v.At); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		var snapshot map[string]any
		if len(snapshotJSON) > 0 {
			if err := json.Unmarshal(snapshotJSON, &snapshot); err != nil {
				return nil, fmt.Errorf("storage: unmarshal version snapshot: %w", err)
			}
		}
		v.Snapshot = snapshot
		out = append(out, v)
	}
	return out, rows.Err()
}
