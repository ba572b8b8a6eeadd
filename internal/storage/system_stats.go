package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DigiBugCat/noesis/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetSystemStats loads the nightly-recomputed aggregates used as confidence
// priors (spec §4.3). Absence of a row is not an error: the caller falls
// back to model.DefaultMaxTimesTested / model.DefaultSourcePriors.
func (db *DB) GetSystemStats(ctx context.Context) (model.SystemStats, error) {
	stats := model.SystemStats{
		MaxTimesTested: model.DefaultMaxTimesTested,
		SourcePriors:   map[model.Source]float64{},
	}
	for k, v := range model.DefaultSourcePriors {
		stats.SourcePriors[k] = v
	}

	var priorsJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT max_times_tested, median_times_tested, source_priors FROM system_stats WHERE id = true`,
	).Scan(&stats.MaxTimesTested, &stats.MedianTimesTested, &priorsJSON)
	if err != nil {
		if isNoRows(err) {
			return stats, nil
		}
		return model.SystemStats{}, fmt.Errorf("storage: get system stats: %w", err)
	}
	if len(priorsJSON) > 0 {
		var stored map[string]float64
		if err := json.Unmarshal(priorsJSON, &stored); err != nil {
			return model.SystemStats{}, fmt.Errorf("storage: unmarshal source priors: %w", err)
		}
		for k, v := range stored {
			stats.SourcePriors[model.Source(k)] = v
		}
	}
	return stats, nil
}

// RecomputeSystemStats recomputes the nightly aggregates from first
// principles (spec §4.10 daily step a): max/median times_tested across all
// non-retracted memories, and per-source track records — the empirical
// fraction of a source's resolved observations whose outcome was correct,
// used as C3's source prior. Sources with no resolved observations yet keep
// model.DefaultSourcePriors' seed value rather than falling to zero.
func (db *DB) RecomputeSystemStats(ctx context.Context) (model.SystemStats, error) {
	stats := model.SystemStats{
		MaxTimesTested: model.DefaultMaxTimesTested,
		SourcePriors:   map[model.Source]float64{},
	}
	for k, v := range model.DefaultSourcePriors {
		stats.SourcePriors[k] = v
	}

	var maxTested *int
	var medianTested *float64
	err := db.pool.QueryRow(ctx,
		`SELECT max(times_tested), percentile_cont(0.5) WITHIN GROUP (ORDER BY times_tested)
		 FROM memories WHERE retracted = false`,
	).Scan(&maxTested, &medianTested)
	if err != nil {
		return model.SystemStats{}, fmt.Errorf("storage: recompute times tested stats: %w", err)
	}
	if maxTested != nil && *maxTested > 0 {
		stats.MaxTimesTested = *maxTested
	}
	if medianTested != nil {
		stats.MedianTimesTested = *medianTested
	}

	rows, err := db.pool.Query(ctx,
		`SELECT source, count(*) FILTER (WHERE outcome = 'correct')::float / count(*)
		 FROM memories
		 WHERE source IS NOT NULL AND state = 'resolved' AND outcome IS NOT NULL
		 GROUP BY source`,
	)
	if err != nil {
		return model.SystemStats{}, fmt.Errorf("storage: recompute source priors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var rate float64
		if err := rows.Scan(&source, &rate); err != nil {
			return model.SystemStats{}, fmt.Errorf("storage: scan source prior: %w", err)
		}
		stats.SourcePriors[model.Source(source)] = rate
	}
	if err := rows.Err(); err != nil {
		return model.SystemStats{}, err
	}
	return stats, nil
}

// WriteSystemStats upserts the singleton system_stats row, recomputed by
// C10's nightly scheduler tick (spec §4.9).
func (db *DB) WriteSystemStats(ctx context.Context, stats model.SystemStats) error {
	priors := make(map[string]float64, len(stats.SourcePriors))
	for k, v := range stats.SourcePriors {
		priors[string(k)] = v
	}
	priorsJSON, err := json.Marshal(priors)
	if err != nil {
		return fmt.Errorf("storage: marshal source priors: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO system_stats (id, max_times_tested, median_times_tested, source_priors, updated_at)
		 VALUES (true, $1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		   SET max_times_tested = $1, median_times_tested = $2, source_priors = $3, updated_at = now()`,
		stats.MaxTimesTested, stats.MedianTimesTested, priorsJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: write system stats: %w", err)
	}
	return nil
}
