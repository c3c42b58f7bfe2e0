package pgmanifest

import (
	"context"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const searchLogColumns = `id, driver_id, manifest_number, status, error_message, payload, created_at, updated_at`

func scanSearchLog(row pgx.Row) (*models.SearchLog, error) {
	var l models.SearchLog
	var payload []byte
	if err := row.Scan(
		&l.ID, &l.DriverID, &l.ManifestNumber, &l.Status, &l.ErrorMessage,
		&payload, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		l.Payload = payload
	}
	return &l, nil
}

// UpsertSearchLog records a new sync request. A repeated request for the same
// driver and manifest resets the existing row instead of adding one.
func (s *Storage) UpsertSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	l, err := scanSearchLog(s.db.QueryRow(ctx, `
INSERT INTO search_logs (driver_id, manifest_number, status, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
ON CONFLICT (driver_id, manifest_number)
DO UPDATE SET status = EXCLUDED.status, error_message = NULL, payload = NULL, updated_at = now()
RETURNING `+searchLogColumns,
		driverID, manifestNumber, models.SearchStatusAwaiting))
	if err != nil {
		return nil, errors.Wrap(err, "upsert search log")
	}
	return l, nil
}

func (s *Storage) GetSearchLog(ctx context.Context, id uint64) (*models.SearchLog, error) {
	l, err := scanSearchLog(s.db.QueryRow(ctx, `SELECT `+searchLogColumns+` FROM search_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "search log")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select search log")
	}
	return l, nil
}

func (s *Storage) FindSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	l, err := scanSearchLog(s.db.QueryRow(ctx, `
SELECT `+searchLogColumns+`
FROM search_logs
WHERE driver_id = $1 AND manifest_number = $2
`, driverID, manifestNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "search log")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select search log")
	}
	return l, nil
}

func (s *Storage) SetSearchStatus(ctx context.Context, id uint64, status string, errMsg *string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE search_logs
SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1
`, id, status, errMsg)
	if err != nil {
		return errors.Wrap(err, "update search log")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(ErrNotFound, "search log")
	}
	return nil
}

// ClaimStaleSearchLogs picks requests that have sat unfinished since before
// olderThan and touches them so concurrent sweepers skip them.
func (s *Storage) ClaimStaleSearchLogs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SearchLog, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+searchLogColumns+`
FROM search_logs
WHERE status IN ($1, $2)
  AND updated_at < $3
ORDER BY updated_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, models.SearchStatusAwaiting, models.SearchStatusEnriching, olderThan.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale search logs")
	}

	var picked []*models.SearchLog
	for rows.Next() {
		l, err := scanSearchLog(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan search log")
		}
		picked = append(picked, l)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	ids := make([]uint64, 0, len(picked))
	for _, l := range picked {
		ids = append(ids, l.ID)
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE search_logs SET updated_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return nil, errors.Wrap(err, "touch search logs")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
