package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ManifestSync/internal/cache"
	"github.com/BearBump/ManifestSync/internal/integrations/tms"
)

const (
	PlaceholderRecipient = "DATA NOT PROVIDED"
	PlaceholderAddress   = "SEE PHYSICAL DOCUMENT"
)

// Detail carries what the report answered. The Known flags are false where
// the value is a placeholder.
type Detail struct {
	Recipient      string `json:"recipient"`
	Address        string `json:"address"`
	RecipientKnown bool   `json:"recipient_known"`
	AddressKnown   bool   `json:"address_known"`
}

// Placeholders is what an invoice shows until the detail report answers.
func Placeholders() Detail {
	return Detail{Recipient: PlaceholderRecipient, Address: PlaceholderAddress}
}

type Enricher struct {
	cache cache.BytesCache
	ttl   time.Duration
}

// NewEnricher builds an enricher. A nil cache or zero ttl disables caching.
func NewEnricher(c cache.BytesCache, ttl time.Duration) *Enricher {
	return &Enricher{cache: c, ttl: ttl}
}

func detailKey(accessKey string) string {
	return "tms:invoice:" + accessKey
}

// Enrich looks up recipient and address for one invoice. The detail report
// can only be filtered by number, so the answer is scanned for the key.
// Any failure or a missing match yields placeholders and false; fields the
// report leaves out are filled with placeholders too.
func (e *Enricher) Enrich(ctx context.Context, c tms.Client, accessKey, number string) (Detail, bool) {
	if e.cache != nil && e.ttl > 0 {
		if b, ok, err := e.cache.Get(ctx, detailKey(accessKey)); err == nil && ok {
			var d Detail
			if json.Unmarshal(b, &d) == nil && d.Recipient != "" {
				return d, true
			}
		}
	}

	if number == "" {
		return Placeholders(), false
	}

	recs, err := c.InvoiceDetails(ctx, number)
	if err != nil {
		slog.Warn("invoice detail failed", "access_key", accessKey, "number", number, "error", err.Error())
		return Placeholders(), false
	}

	for _, r := range recs {
		if r.AccessKey.String() != accessKey {
			continue
		}
		d := Placeholders()
		if v, ok := r.Recipient(); ok {
			d.Recipient, d.RecipientKnown = v, true
		}
		if v, ok := r.Address(); ok {
			d.Address, d.AddressKnown = v, true
		}
		if e.cache != nil && e.ttl > 0 {
			if b, err := json.Marshal(d); err == nil {
				_ = e.cache.Set(ctx, detailKey(accessKey), b, e.ttl)
			}
		}
		return d, true
	}

	slog.Info("invoice detail has no matching key", "access_key", accessKey, "number", number, "rows", len(recs))
	return Placeholders(), false
}
