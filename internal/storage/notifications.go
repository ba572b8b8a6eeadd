package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DigiBugCat/noesis/internal/model"
)

// WriteNotification records a best-effort operator-visibility signal fired
// on a core or unhealthy-peripheral violation (spec §4.5.3 step 5), or on a
// manual confirm/violate call that carries notes. Delivery
// is out of scope; this is the record a caller can poll or page from.
func (db *DB) WriteNotification(ctx context.Context, kind string, memoryID uuid.UUID, message string, ctxData map[string]any) error {
	ctxJSON, err := json.Marshal(ctxData)
	if err != nil {
		return fmt.Errorf("storage: marshal notification context: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO notifications (id, kind, memory_id, message, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), kind, memoryID, message, ctxJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: write notification: %w", err)
	}
	return nil
}

// RecentNotifications returns the most recent notifications, newest first,
// for an operator dashboard or insights(violations) view.
func (db *DB) RecentNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, memory_id, message, context, created_at
		 FROM notifications ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var ctxJSON []byte
		if err := rows.Scan(&n.ID, &n.Kind, &n.MemoryID, &n.Message, &ctxJSON, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan notification: %w", err)
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &n.Context); err != nil {
				return nil, fmt.Errorf("storage: unmarshal notification context: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
