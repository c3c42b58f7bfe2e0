// Package catalog serves the occurrence code reference data from memory,
// backed by the occurrence_codes table.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

var ErrUnknownCode = errors.New("unknown occurrence code")

const allKey = "all"

type Store interface {
	UpsertOccurrenceCodes(ctx context.Context, codes []models.OccurrenceCode) error
	ListOccurrenceCodes(ctx context.Context) ([]*models.OccurrenceCode, error)
}

type Catalog struct {
	store Store
	mem   *cache.Cache
}

func New(store Store, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{store: store, mem: cache.New(ttl, 2*ttl)}
}

// DefaultCodes is the minimal catalogue used when the config lists none.
func DefaultCodes() []models.OccurrenceCode {
	return []models.OccurrenceCode{
		{Code: 1, Description: "ENTREGA REALIZADA", Kind: models.OccurrenceKindDelivery},
		{Code: 2, Description: "ENTREGA REALIZADA COM RESSALVA", Kind: models.OccurrenceKindDelivery},
		{Code: 3, Description: "DESTINATARIO AUSENTE", Kind: models.OccurrenceKindProblem},
		{Code: 4, Description: "RECUSA DO DESTINATARIO", Kind: models.OccurrenceKindProblem},
		{Code: 5, Description: "ENDERECO NAO LOCALIZADO", Kind: models.OccurrenceKindProblem},
	}
}

// Seed merges codes into the store. Kinds are upper-cased; anything other
// than DELIVERY or PROBLEM is rejected.
func (c *Catalog) Seed(ctx context.Context, codes []models.OccurrenceCode) error {
	clean := make([]models.OccurrenceCode, 0, len(codes))
	for _, oc := range codes {
		oc.Kind = strings.ToUpper(strings.TrimSpace(oc.Kind))
		if oc.Kind != models.OccurrenceKindDelivery && oc.Kind != models.OccurrenceKindProblem {
			return errors.Errorf("occurrence code %d: bad kind %q", oc.Code, oc.Kind)
		}
		if strings.TrimSpace(oc.Description) == "" {
			return errors.Errorf("occurrence code %d: description is required", oc.Code)
		}
		clean = append(clean, oc)
	}
	if err := c.store.UpsertOccurrenceCodes(ctx, clean); err != nil {
		return errors.Wrap(err, "seed occurrence codes")
	}
	c.mem.Flush()
	return nil
}

func (c *Catalog) List(ctx context.Context) ([]*models.OccurrenceCode, error) {
	if v, ok := c.mem.Get(allKey); ok {
		return v.([]*models.OccurrenceCode), nil
	}
	codes, err := c.store.ListOccurrenceCodes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list occurrence codes")
	}
	c.mem.SetDefault(allKey, codes)
	return codes, nil
}

func (c *Catalog) Lookup(ctx context.Context, code int) (*models.OccurrenceCode, error) {
	codes, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, oc := range codes {
		if oc.Code == code {
			return oc, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownCode, "code %d", code)
}
