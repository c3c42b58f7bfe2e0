package eslhttp

import (
	"context"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Session is the per-job view of the client. Not safe for concurrent jobs;
// every job asks for its own.
type Session struct {
	c   *Client
	lim *rate.Limiter
}

func (s *Session) throttle(ctx context.Context) error {
	if err := s.lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "tms throttle")
	}
	return nil
}

func (s *Session) LookupManifest(ctx context.Context, sequenceCode string) ([]tms.ManifestRecord, error) {
	return s.c.LookupManifest(ctx, sequenceCode)
}

func (s *Session) ListOccurrences(ctx context.Context, req tms.OccurrenceListRequest) (tms.OccurrencePage, error) {
	if err := s.throttle(ctx); err != nil {
		return tms.OccurrencePage{}, err
	}
	return s.c.ListOccurrences(ctx, req)
}

func (s *Session) InvoiceDetails(ctx context.Context, invoiceNumber string) ([]tms.InvoiceDetailRecord, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	return s.c.InvoiceDetails(ctx, invoiceNumber)
}

func (s *Session) PushConfirmation(ctx context.Context, p tms.ConfirmationPayload) error {
	return s.c.PushConfirmation(ctx, p)
}
