package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"
)

// WriteContentEmbedding stores a memory's content embedding in the native
// pgvector column memories.content_embedding. The MEMORY logical index itself
// is the Qdrant collection in internal/search; no code path in the module
// calls this method. Mirrors the teacher's BackfillEmbedding: a no-op, not an
// error, if the memory was retracted between enqueue and this write.
func (db *DB) WriteContentEmbedding(ctx context.Context, id uuid.UUID, emb pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET content_embedding = $2 WHERE id = $1 AND retracted = false`,
		id, emb,
	)
	if err != nil {
		return fmt.Errorf("storage: write content embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// SearchByContentEmbedding finds the nearest non-retracted memories to a
// query embedding by cosine distance over memories.content_embedding.
// engine.Find does not use it; find_by_query reads the Qdrant MEMORY
// collection. Narrowing by kind or state is left to the caller.
func (db *DB) SearchByContentEmbedding(ctx context.Context, emb pgvector.Vector, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM memories
		 WHERE retracted = false AND content_embedding IS NOT NULL
		 ORDER BY content_embedding <=> $1
		 LIMIT $2`,
		emb, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search by content embedding: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan embedding match: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
