package pgmanifest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ManifestMerge is everything one reconciliation pass writes.
type ManifestMerge struct {
	SearchLogID    uint64
	DriverID       uint64
	BranchID       *uint64
	ManifestNumber string
	Invoices       []InvoiceMerge
	// Summarize builds the search log payload from the merge outcome,
	// inside the same transaction. Nil leaves the payload empty.
	Summarize func(MergeResult) (json.RawMessage, error)
}

type InvoiceMerge struct {
	AccessKey       string
	Number          string
	Recipient       string
	DeliveryAddress string
	// RecipientKnown and AddressKnown are false for placeholder values;
	// placeholders never overwrite data an earlier pass already stored.
	RecipientKnown bool
	AddressKnown   bool
	Events         []EventMerge
}

type EventMerge struct {
	Code            int
	OccurredAt      time.Time
	Comment         string
	ManifestEventID *int64
}

type MergeResult struct {
	ManifestID uint64
	Created    int
	Updated    int
	Events     int
	Skipped    []string
}

const manifestColumns = `id, manifest_number, driver_id, branch_id, status,
  starting_odometer::text, ending_odometer::text, finished, created_at, finished_at`

func scanManifest(row pgx.Row) (*models.Manifest, error) {
	var m models.Manifest
	var start, end *string
	if err := row.Scan(
		&m.ID, &m.Number, &m.DriverID, &m.BranchID, &m.Status,
		&start, &end, &m.Finished, &m.CreatedAt, &m.FinishedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if m.StartingOdometer, err = parseDecimal(start); err != nil {
		return nil, err
	}
	if m.EndingOdometer, err = parseDecimal(end); err != nil {
		return nil, err
	}
	return &m, nil
}

// MergeManifest applies one reconciliation pass atomically. The driver row is
// locked first so two passes for the same driver serialize. Each invoice is
// merged inside its own savepoint: a failing row is rolled back, logged and
// reported in Skipped without aborting the others. An invoice that already
// exists keeps its status. The search log moves to PROCESSED in the same
// transaction.
func (s *Storage) MergeManifest(ctx context.Context, in ManifestMerge) (MergeResult, error) {
	var res MergeResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var driverID uint64
	err = tx.QueryRow(ctx, `SELECT id FROM drivers WHERE id = $1 FOR UPDATE`, in.DriverID).Scan(&driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, errors.Wrap(ErrNotFound, "driver")
	}
	if err != nil {
		return res, errors.Wrap(err, "lock driver")
	}

	var active string
	err = tx.QueryRow(ctx, `
SELECT manifest_number
FROM manifests
WHERE driver_id = $1 AND status = $2 AND manifest_number <> $3
LIMIT 1
`, in.DriverID, models.ManifestStatusInTransit, in.ManifestNumber).Scan(&active)
	switch {
	case err == nil:
		return res, errors.Wrapf(ErrDriverBusy, "manifest %s", active)
	case !errors.Is(err, pgx.ErrNoRows):
		return res, errors.Wrap(err, "select active manifest")
	}

	var owner *uint64
	err = tx.QueryRow(ctx, `
INSERT INTO manifests (manifest_number, driver_id, branch_id, status, finished, created_at)
VALUES ($1, $2, $3, $4, false, now())
ON CONFLICT (manifest_number)
DO UPDATE SET
  driver_id = COALESCE(manifests.driver_id, EXCLUDED.driver_id),
  branch_id = COALESCE(manifests.branch_id, EXCLUDED.branch_id)
RETURNING id, driver_id
`, in.ManifestNumber, in.DriverID, in.BranchID, models.ManifestStatusInTransit).Scan(&res.ManifestID, &owner)
	if isUniqueViolation(err) {
		return res, errors.Wrap(ErrDriverBusy, "insert manifest")
	}
	if err != nil {
		return res, errors.Wrap(err, "upsert manifest")
	}
	if owner == nil || *owner != in.DriverID {
		return res, errors.Wrapf(ErrManifestTaken, "manifest %s", in.ManifestNumber)
	}

	for _, inv := range in.Invoices {
		created, events, err := mergeInvoice(ctx, tx, res.ManifestID, inv)
		if err != nil {
			slog.Error("merge invoice", "manifest", in.ManifestNumber, "access_key", inv.AccessKey, "error", err.Error())
			res.Skipped = append(res.Skipped, inv.AccessKey)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Events += events
	}

	if in.SearchLogID != 0 {
		var summary any
		if in.Summarize != nil {
			b, err := in.Summarize(res)
			if err != nil {
				return res, errors.Wrap(err, "summarize merge")
			}
			summary = string(b)
		}
		_, err := tx.Exec(ctx, `
UPDATE search_logs
SET status = $2, error_message = NULL, payload = $3, updated_at = now()
WHERE id = $1
`, in.SearchLogID, models.SearchStatusProcessed, summary)
		if err != nil {
			return res, errors.Wrap(err, "finish search log")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, errors.Wrap(err, "commit tx")
	}
	return res, nil
}

func mergeInvoice(ctx context.Context, tx pgx.Tx, manifestID uint64, inv InvoiceMerge) (bool, int, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "savepoint")
	}
	defer func() { _ = sp.Rollback(ctx) }()

	status := models.InvoiceStatusPending
	created := false
	var existing string
	err = sp.QueryRow(ctx, `
SELECT status FROM invoices WHERE manifest_id = $1 AND access_key = $2 FOR UPDATE
`, manifestID, inv.AccessKey).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created = true
	case err != nil:
		return false, 0, errors.Wrap(err, "select invoice")
	default:
		status = existing
	}

	var invoiceID uint64
	err = sp.QueryRow(ctx, `
INSERT INTO invoices (
  manifest_id, access_key, invoice_number, recipient, delivery_address, status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
ON CONFLICT (manifest_id, access_key)
DO UPDATE SET
  invoice_number = COALESCE(NULLIF(EXCLUDED.invoice_number, ''), invoices.invoice_number),
  recipient = CASE WHEN $7 THEN EXCLUDED.recipient ELSE invoices.recipient END,
  delivery_address = CASE WHEN $8 THEN EXCLUDED.delivery_address ELSE invoices.delivery_address END,
  status = EXCLUDED.status,
  updated_at = now()
RETURNING id
`, manifestID, inv.AccessKey, inv.Number, inv.Recipient, inv.DeliveryAddress, status, inv.RecipientKnown, inv.AddressKnown).Scan(&invoiceID)
	if err != nil {
		return false, 0, errors.Wrap(err, "upsert invoice")
	}

	events := 0
	for _, e := range inv.Events {
		tag, err := sp.Exec(ctx, `
INSERT INTO occurrence_events (invoice_id, code, occurred_at, comment, manifest_event_id, created_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (invoice_id, code, occurred_at) DO NOTHING
`, invoiceID, e.Code, e.OccurredAt.UTC(), e.Comment, e.ManifestEventID)
		if err != nil {
			return false, 0, errors.Wrap(err, "insert occurrence event")
		}
		events += int(tag.RowsAffected())
	}

	if err := sp.Commit(ctx); err != nil {
		return false, 0, errors.Wrap(err, "release savepoint")
	}
	return created, events, nil
}

func (s *Storage) ActiveManifest(ctx context.Context, driverID uint64) (*models.Manifest, error) {
	m, err := scanManifest(s.db.QueryRow(ctx, `
SELECT `+manifestColumns+`
FROM manifests
WHERE driver_id = $1 AND status = $2
`, driverID, models.ManifestStatusInTransit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "active manifest")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active manifest")
	}
	return m, nil
}

func (s *Storage) GetManifestByNumber(ctx context.Context, number string) (*models.Manifest, error) {
	m, err := scanManifest(s.db.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE manifest_number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "manifest")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select manifest")
	}
	return m, nil
}

// StartManifest stores the starting odometer on the driver's manifest in transit.
func (s *Storage) StartManifest(ctx context.Context, driverID uint64, number string, odometer decimal.Decimal) (*models.Manifest, error) {
	m, err := scanManifest(s.db.QueryRow(ctx, `
UPDATE manifests
SET starting_odometer = $3::text::numeric
WHERE manifest_number = $1 AND driver_id = $2 AND status = $4
RETURNING `+manifestColumns,
		number, driverID, decimalArg(&odometer), models.ManifestStatusInTransit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "manifest in transit")
	}
	if err != nil {
		return nil, errors.Wrap(err, "start manifest")
	}
	return m, nil
}

// FinishManifest closes the driver's manifest in transit. It refuses while
// any invoice is still PENDING.
func (s *Storage) FinishManifest(ctx context.Context, driverID uint64, odometer decimal.Decimal) (*models.Manifest, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanManifest(tx.QueryRow(ctx, `
SELECT `+manifestColumns+`
FROM manifests
WHERE driver_id = $1 AND status = $2
FOR UPDATE
`, driverID, models.ManifestStatusInTransit))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "manifest in transit")
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock manifest")
	}

	var pending int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM invoices WHERE manifest_id = $1 AND status = $2
`, m.ID, models.InvoiceStatusPending).Scan(&pending); err != nil {
		return nil, errors.Wrap(err, "count pending invoices")
	}
	if pending > 0 {
		return nil, errors.Wrapf(ErrPendingInvoices, "%d pending", pending)
	}

	m, err = scanManifest(tx.QueryRow(ctx, `
UPDATE manifests
SET status = $2, finished = true, finished_at = now(), ending_odometer = $3::text::numeric
WHERE id = $1
RETURNING `+manifestColumns,
		m.ID, models.ManifestStatusFinished, decimalArg(&odometer)))
	if err != nil {
		return nil, errors.Wrap(err, "finish manifest")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return m, nil
}

// ListInvoices returns the manifest's invoices, each with its most recent
// confirmation.
func (s *Storage) ListInvoices(ctx context.Context, manifestID uint64) ([]*models.InvoiceView, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  i.id, i.manifest_id, i.access_key, i.invoice_number, i.recipient,
  i.delivery_address, i.status, i.created_at, i.updated_at,
  `+confirmationColumnsAs("c")+`
FROM invoices i
LEFT JOIN LATERAL (
  SELECT *
  FROM delivery_confirmations dc
  WHERE dc.invoice_id = i.id
  ORDER BY dc.confirmed_at DESC, dc.id DESC
  LIMIT 1
) c ON true
WHERE i.manifest_id = $1
ORDER BY i.id
`, manifestID)
	if err != nil {
		return nil, errors.Wrap(err, "select invoices")
	}
	defer rows.Close()

	var out []*models.InvoiceView
	for rows.Next() {
		var v models.InvoiceView
		var cs nullableConfirmationScan
		dest := append([]any{
			&v.ID, &v.ManifestID, &v.AccessKey, &v.Number, &v.Recipient,
			&v.DeliveryAddress, &v.Status, &v.CreatedAt, &v.UpdatedAt,
		}, cs.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan invoice")
		}
		if v.Confirmation, err = cs.finish(); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListOccurrenceEvents(ctx context.Context, invoiceID uint64) ([]*models.OccurrenceEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, invoice_id, code, occurred_at, comment, manifest_event_id, created_at
FROM occurrence_events
WHERE invoice_id = $1
ORDER BY occurred_at ASC, id ASC
`, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "select occurrence events")
	}
	defer rows.Close()

	var out []*models.OccurrenceEvent
	for rows.Next() {
		var e models.OccurrenceEvent
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.Code, &e.OccurredAt, &e.Comment, &e.ManifestEventID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan occurrence event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
