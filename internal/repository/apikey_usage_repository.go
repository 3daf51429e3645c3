package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docuquery/backend/internal/models"
)

// APIKeyUsageRepository persists per-key bucket counters so restarts do
// not zero the accounting.
type APIKeyUsageRepository struct {
	db *sqlx.DB
}

// NewAPIKeyUsageRepository creates a new key usage repository.
func NewAPIKeyUsageRepository(db *sqlx.DB) *APIKeyUsageRepository {
	return &APIKeyUsageRepository{db: db}
}

// Record adds n requests for keyIdentifier in the current minute and day
// buckets, creating the row if absent.
func (r *APIKeyUsageRepository) Record(ctx context.Context, keyIdentifier string, n int64, failed bool) error {
	now := time.Now().UTC()
	minuteBucket := now.Truncate(time.Minute)
	dayBucket := now.Truncate(24 * time.Hour)

	var successAt, failureAt *time.Time
	failures := 0
	if failed {
		failureAt = &now
		failures = 1
	} else {
		successAt = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_key_usage (
			key_identifier, minute_bucket, request_count, day_bucket,
			daily_request_count, consecutive_failures, last_success_at,
			last_failure_at
		) VALUES ($1, $2, $3, $4, $3, $5, $6, $7)
		ON CONFLICT (key_identifier, minute_bucket) DO UPDATE SET
			request_count = api_key_usage.request_count + EXCLUDED.request_count,
			daily_request_count = api_key_usage.daily_request_count + EXCLUDED.request_count,
			consecutive_failures = CASE
				WHEN EXCLUDED.last_failure_at IS NOT NULL
				THEN api_key_usage.consecutive_failures + 1
				ELSE 0
			END,
			last_success_at = COALESCE(EXCLUDED.last_success_at, api_key_usage.last_success_at),
			last_failure_at = COALESCE(EXCLUDED.last_failure_at, api_key_usage.last_failure_at)`,
		keyIdentifier, minuteBucket, n, dayBucket, failures, successAt, failureAt)
	if err != nil {
		return fmt.Errorf("record key usage: %w", err)
	}
	return nil
}

// ListRecent returns usage rows newer than since, for the admin surface.
func (r *APIKeyUsageRepository) ListRecent(ctx context.Context, since time.Time) ([]*models.APIKeyUsage, error) {
	var rows []*models.APIKeyUsage
	err := r.db.SelectContext(ctx, &rows, `
		SELECT key_identifier, minute_bucket, request_count, day_bucket,
		       daily_request_count, consecutive_failures, last_success_at,
		       last_failure_at
		FROM api_key_usage
		WHERE minute_bucket >= $1
		ORDER BY minute_bucket DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("list key usage: %w", err)
	}
	return rows, nil
}

// PruneOlderThan drops rows older than the retention window.
func (r *APIKeyUsageRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM api_key_usage WHERE minute_bucket < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune key usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
