package pgmanifest

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS branches (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  contact_emails TEXT NOT NULL DEFAULT ''
)`,
		`
CREATE TABLE IF NOT EXISTS drivers (
  id BIGSERIAL PRIMARY KEY,
  document TEXT NOT NULL UNIQUE,
  full_name TEXT NOT NULL,
  branch_id BIGINT NULL REFERENCES branches(id) ON DELETE SET NULL
)`,
		`
CREATE TABLE IF NOT EXISTS manifests (
  id BIGSERIAL PRIMARY KEY,
  manifest_number TEXT NOT NULL UNIQUE,
  driver_id BIGINT NULL REFERENCES drivers(id) ON DELETE SET NULL,
  branch_id BIGINT NULL REFERENCES branches(id) ON DELETE SET NULL,
  status TEXT NOT NULL,
  starting_odometer NUMERIC(12,1) NULL,
  ending_odometer NUMERIC(12,1) NULL,
  finished BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NULL
)`,
		// One manifest in transit per driver.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_manifests_driver_in_transit ON manifests(driver_id) WHERE status = 'IN_TRANSIT'`,
		`
CREATE TABLE IF NOT EXISTS invoices (
  id BIGSERIAL PRIMARY KEY,
  manifest_id BIGINT NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
  access_key TEXT NOT NULL,
  invoice_number TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  delivery_address TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (manifest_id, access_key)
)`,
		// The same key legitimately shows up again on a re-delivery manifest.
		`CREATE INDEX IF NOT EXISTS idx_invoices_access_key ON invoices(access_key)`,
		`
CREATE TABLE IF NOT EXISTS occurrence_codes (
  code INT PRIMARY KEY,
  description TEXT NOT NULL,
  kind TEXT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS occurrence_events (
  id BIGSERIAL PRIMARY KEY,
  invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
  code INT NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  manifest_event_id BIGINT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (invoice_id, code, occurred_at)
)`,
		`
CREATE TABLE IF NOT EXISTS delivery_confirmations (
  id BIGSERIAL PRIMARY KEY,
  invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
  kind TEXT NOT NULL,
  photo_url TEXT NOT NULL,
  occurrence_code INT NOT NULL REFERENCES occurrence_codes(code),
  receiver_name TEXT NOT NULL DEFAULT '',
  receiver_document TEXT NOT NULL DEFAULT '',
  note TEXT NOT NULL DEFAULT '',
  latitude NUMERIC(9,6) NULL,
  longitude NUMERIC(9,6) NULL,
  confirmed_at TIMESTAMPTZ NOT NULL,
  push_state TEXT NOT NULL DEFAULT 'NOT_PUSHED',
  push_error TEXT NULL,
  pushed_at TIMESTAMPTZ NULL,
  push_attempts INT NOT NULL DEFAULT 0,
  push_claimed_until TIMESTAMPTZ NULL,
  requeued_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_invoice_latest ON delivery_confirmations(invoice_id, confirmed_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_confirmations_push_state ON delivery_confirmations(push_state)`,
		`
CREATE TABLE IF NOT EXISTS search_logs (
  id BIGSERIAL PRIMARY KEY,
  driver_id BIGINT NOT NULL REFERENCES drivers(id) ON DELETE CASCADE,
  manifest_number TEXT NOT NULL,
  status TEXT NOT NULL,
  error_message TEXT NULL,
  payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (driver_id, manifest_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_search_logs_status_updated_at ON search_logs(status, updated_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
