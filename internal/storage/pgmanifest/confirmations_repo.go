package pgmanifest

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type ConfirmationInput struct {
	ManifestNumber   string
	AccessKey        string
	Kind             string
	InvoiceStatus    string
	OccurrenceCode   int
	PhotoURL         string
	ReceiverName     string
	ReceiverDocument string
	Note             string
	Latitude         *decimal.Decimal
	Longitude        *decimal.Decimal
	ConfirmedAt      time.Time
}

func confirmationColumnsAs(a string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.invoice_id, %[1]s.kind, %[1]s.photo_url, %[1]s.occurrence_code,
  %[1]s.receiver_name, %[1]s.receiver_document, %[1]s.note, %[1]s.latitude::text, %[1]s.longitude::text,
  %[1]s.confirmed_at, %[1]s.push_state, %[1]s.push_error, %[1]s.pushed_at, %[1]s.push_attempts, %[1]s.created_at`, a)
}

// nullableConfirmationScan receives a confirmation row that may be entirely
// NULL, as it is on the outer side of a LEFT JOIN.
type nullableConfirmationScan struct {
	id, invoiceID             *uint64
	kind, photoURL            *string
	code                      *int
	receiverName, receiverDoc *string
	note                      *string
	lat, lng                  *string
	confirmedAt               *time.Time
	pushState, pushError      *string
	pushedAt                  *time.Time
	attempts                  *int
	createdAt                 *time.Time
}

func (c *nullableConfirmationScan) dest() []any {
	return []any{
		&c.id, &c.invoiceID, &c.kind, &c.photoURL, &c.code,
		&c.receiverName, &c.receiverDoc, &c.note, &c.lat, &c.lng,
		&c.confirmedAt, &c.pushState, &c.pushError, &c.pushedAt, &c.attempts, &c.createdAt,
	}
}

func (c *nullableConfirmationScan) finish() (*models.DeliveryConfirmation, error) {
	if c.id == nil {
		return nil, nil
	}
	out := &models.DeliveryConfirmation{
		ID:               *c.id,
		InvoiceID:        derefU64(c.invoiceID),
		Kind:             derefStr(c.kind),
		PhotoURL:         derefStr(c.photoURL),
		ReceiverName:     derefStr(c.receiverName),
		ReceiverDocument: derefStr(c.receiverDoc),
		Note:             derefStr(c.note),
		PushState:        derefStr(c.pushState),
		PushError:        c.pushError,
		PushedAt:         c.pushedAt,
	}
	if c.code != nil {
		out.OccurrenceCode = *c.code
	}
	if c.attempts != nil {
		out.PushAttempts = *c.attempts
	}
	if c.confirmedAt != nil {
		out.ConfirmedAt = *c.confirmedAt
	}
	if c.createdAt != nil {
		out.CreatedAt = *c.createdAt
	}
	var err error
	if out.Latitude, err = parseDecimal(c.lat); err != nil {
		return nil, err
	}
	if out.Longitude, err = parseDecimal(c.lng); err != nil {
		return nil, err
	}
	return out, nil
}

func scanConfirmation(row pgx.Row) (*models.DeliveryConfirmation, error) {
	var cs nullableConfirmationScan
	if err := row.Scan(cs.dest()...); err != nil {
		return nil, err
	}
	return cs.finish()
}

// CreateConfirmation stores a driver's confirmation and advances the invoice
// status in one transaction.
func (s *Storage) CreateConfirmation(ctx context.Context, in ConfirmationInput) (*models.DeliveryConfirmation, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var invoiceID uint64
	err = tx.QueryRow(ctx, `
SELECT i.id
FROM invoices i
JOIN manifests m ON m.id = i.manifest_id
WHERE m.manifest_number = $1 AND i.access_key = $2
FOR UPDATE OF i
`, in.ManifestNumber, in.AccessKey).Scan(&invoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "invoice")
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock invoice")
	}

	var known bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM occurrence_codes WHERE code = $1)`, in.OccurrenceCode).Scan(&known); err != nil {
		return nil, errors.Wrap(err, "check occurrence code")
	}
	if !known {
		return nil, errors.Wrapf(ErrUnknownOccurrenceCode, "code %d", in.OccurrenceCode)
	}

	c, err := scanConfirmation(tx.QueryRow(ctx, `
INSERT INTO delivery_confirmations AS c (
  invoice_id, kind, photo_url, occurrence_code, receiver_name, receiver_document, note,
  latitude, longitude, confirmed_at, push_state, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10, $11, now())
RETURNING `+confirmationColumnsAs("c"),
		invoiceID, in.Kind, in.PhotoURL, in.OccurrenceCode, in.ReceiverName, in.ReceiverDocument, in.Note,
		decimalArg(in.Latitude), decimalArg(in.Longitude), in.ConfirmedAt.UTC(), models.PushStateNotPushed))
	if err != nil {
		return nil, errors.Wrap(err, "insert confirmation")
	}

	if _, err := tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = now() WHERE id = $1`, invoiceID, in.InvoiceStatus); err != nil {
		return nil, errors.Wrap(err, "update invoice status")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return c, nil
}

func (s *Storage) GetConfirmation(ctx context.Context, id uint64) (*models.DeliveryConfirmation, error) {
	c, err := scanConfirmation(s.db.QueryRow(ctx, `
SELECT `+confirmationColumnsAs("c")+`
FROM delivery_confirmations c
WHERE c.id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "confirmation")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select confirmation")
	}
	return c, nil
}

// GetConfirmationContext loads a confirmation together with its invoice,
// manifest, driver and branch contacts.
func (s *Storage) GetConfirmationContext(ctx context.Context, id uint64) (*models.ConfirmationContext, error) {
	var out models.ConfirmationContext
	var cs nullableConfirmationScan
	var emails string
	inv := &out.Invoice

	dest := append(cs.dest(),
		&inv.ID, &inv.ManifestID, &inv.AccessKey, &inv.Number, &inv.Recipient,
		&inv.DeliveryAddress, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt,
		&out.ManifestNumber, &out.DriverName, &out.DriverDocument, &out.BranchName, &emails, &out.CodeDesc,
	)
	err := s.db.QueryRow(ctx, `
SELECT
  `+confirmationColumnsAs("c")+`,
  i.id, i.manifest_id, i.access_key, i.invoice_number, i.recipient,
  i.delivery_address, i.status, i.created_at, i.updated_at,
  m.manifest_number,
  COALESCE(d.full_name, ''), COALESCE(d.document, ''),
  COALESCE(b.name, ''), COALESCE(b.contact_emails, ''),
  COALESCE(oc.description, '')
FROM delivery_confirmations c
JOIN invoices i ON i.id = c.invoice_id
JOIN manifests m ON m.id = i.manifest_id
LEFT JOIN drivers d ON d.id = m.driver_id
LEFT JOIN branches b ON b.id = COALESCE(m.branch_id, d.branch_id)
LEFT JOIN occurrence_codes oc ON oc.code = c.occurrence_code
WHERE c.id = $1
`, id).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "confirmation")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select confirmation context")
	}

	c, err := cs.finish()
	if err != nil {
		return nil, err
	}
	out.Confirmation = *c
	out.BranchEmails = splitEmails(emails)
	return &out, nil
}

// ClaimPush takes a short lease on a confirmation before any remote call.
// Only NOT_PUSHED confirmations qualify unless force is set. It reports
// false when another worker holds the lease or the state does not qualify.
func (s *Storage) ClaimPush(ctx context.Context, id uint64, force bool, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE delivery_confirmations
SET push_claimed_until = $4
WHERE id = $1
  AND (push_claimed_until IS NULL OR push_claimed_until < $3)
  AND (push_state = $5 OR $2)
`, id, force, now.UTC(), now.UTC().Add(lease), models.PushStateNotPushed)
	if err != nil {
		return false, errors.Wrap(err, "claim push")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) MarkPushFailed(ctx context.Context, id uint64, errText string) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_confirmations
SET push_state = $2, push_error = $3, push_attempts = push_attempts + 1
WHERE id = $1
`, id, models.PushStateError, errText)
	return errors.Wrap(err, "mark push failed")
}

func (s *Storage) MarkPushed(ctx context.Context, id uint64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_confirmations
SET push_state = $2, pushed_at = $3, push_error = NULL,
    push_attempts = push_attempts + 1, push_claimed_until = NULL
WHERE id = $1
`, id, models.PushStatePushed, at.UTC())
	return errors.Wrap(err, "mark pushed")
}

func (s *Storage) ReleasePushClaim(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE delivery_confirmations SET push_claimed_until = NULL WHERE id = $1`, id)
	return errors.Wrap(err, "release push claim")
}

// RequeuePush hands an interrupted push back to the sweeper: the row returns
// to NOT_PUSHED with its last error kept. A pushed row is left alone.
func (s *Storage) RequeuePush(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_confirmations
SET push_state = $2, push_claimed_until = NULL, requeued_at = NULL
WHERE id = $1 AND push_state <> $3
`, id, models.PushStateNotPushed, models.PushStatePushed)
	return errors.Wrap(err, "requeue push")
}

// ClaimStaleConfirmations returns NOT_PUSHED confirmations whose push job
// apparently never ran, stamping them so the next sweep waits again.
func (s *Storage) ClaimStaleConfirmations(ctx context.Context, olderThan time.Time, limit int) ([]uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id
FROM delivery_confirmations
WHERE push_state = $1
  AND COALESCE(requeued_at, created_at) < $2
  AND (push_claimed_until IS NULL OR push_claimed_until < now())
ORDER BY id ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, models.PushStateNotPushed, olderThan.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale confirmations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uint64])
	if err != nil {
		return nil, errors.Wrap(err, "scan stale confirmations")
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE delivery_confirmations SET requeued_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return nil, errors.Wrap(err, "stamp stale confirmations")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return ids, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefU64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
