package pgmanifest

import (
	"context"
	"strings"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateBranch(ctx context.Context, name string, contactEmails []string) (*models.Branch, error) {
	b := models.Branch{Name: name, ContactEmails: contactEmails}
	err := s.db.QueryRow(ctx, `
INSERT INTO branches (name, contact_emails)
VALUES ($1, $2)
RETURNING id
`, name, strings.Join(contactEmails, ",")).Scan(&b.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert branch")
	}
	return &b, nil
}

func (s *Storage) GetBranch(ctx context.Context, id uint64) (*models.Branch, error) {
	var b models.Branch
	var emails string
	err := s.db.QueryRow(ctx, `SELECT id, name, contact_emails FROM branches WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &emails)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "branch")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select branch")
	}
	b.ContactEmails = splitEmails(emails)
	return &b, nil
}

// UpsertDriver keys drivers by document; the document is stored zero-padded.
func (s *Storage) UpsertDriver(ctx context.Context, document, fullName string, branchID *uint64) (*models.Driver, error) {
	d := models.Driver{Document: NormalizeDocument(document), FullName: fullName, BranchID: branchID}
	err := s.db.QueryRow(ctx, `
INSERT INTO drivers (document, full_name, branch_id)
VALUES ($1, $2, $3)
ON CONFLICT (document)
DO UPDATE SET full_name = EXCLUDED.full_name, branch_id = EXCLUDED.branch_id
RETURNING id
`, d.Document, fullName, branchID).Scan(&d.ID)
	if err != nil {
		return nil, errors.Wrap(err, "upsert driver")
	}
	return &d, nil
}

func (s *Storage) GetDriver(ctx context.Context, id uint64) (*models.Driver, error) {
	var d models.Driver
	err := s.db.QueryRow(ctx, `SELECT id, document, full_name, branch_id FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Document, &d.FullName, &d.BranchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "driver")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select driver")
	}
	return &d, nil
}

func (s *Storage) UpsertOccurrenceCodes(ctx context.Context, codes []models.OccurrenceCode) error {
	if len(codes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range codes {
		batch.Queue(`
INSERT INTO occurrence_codes (code, description, kind)
VALUES ($1, $2, $3)
ON CONFLICT (code)
DO UPDATE SET description = EXCLUDED.description, kind = EXCLUDED.kind
`, c.Code, c.Description, c.Kind)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert occurrence codes")
	}
	return nil
}

func (s *Storage) ListOccurrenceCodes(ctx context.Context) ([]*models.OccurrenceCode, error) {
	rows, err := s.db.Query(ctx, `SELECT code, description, kind FROM occurrence_codes ORDER BY code`)
	if err != nil {
		return nil, errors.Wrap(err, "select occurrence codes")
	}
	defer rows.Close()

	var out []*models.OccurrenceCode
	for rows.Next() {
		var c models.OccurrenceCode
		if err := rows.Scan(&c.Code, &c.Description, &c.Kind); err != nil {
			return nil, errors.Wrap(err, "scan occurrence code")
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// NormalizeDocument strips formatting and left-pads a CPF to 11 digits, the
// way the TMS reports it.
func NormalizeDocument(doc string) string {
	var b strings.Builder
	for _, r := range doc {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if d != "" && len(d) < 11 {
		d = strings.Repeat("0", 11-len(d)) + d
	}
	return d
}

func splitEmails(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
