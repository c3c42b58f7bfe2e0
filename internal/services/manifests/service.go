// Package manifests is the driver and operator facing side of the pipeline:
// it records requests and confirmations and hands the remote work to the
// worker through Kafka.
package manifests

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ManifestSync/internal/broker/messages"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/services/catalog"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidArgument = errors.New("invalid argument")

type Repository interface {
	GetDriver(ctx context.Context, id uint64) (*models.Driver, error)
	ActiveManifest(ctx context.Context, driverID uint64) (*models.Manifest, error)
	GetManifestByNumber(ctx context.Context, number string) (*models.Manifest, error)
	StartManifest(ctx context.Context, driverID uint64, number string, odometer decimal.Decimal) (*models.Manifest, error)
	FinishManifest(ctx context.Context, driverID uint64, odometer decimal.Decimal) (*models.Manifest, error)
	ListInvoices(ctx context.Context, manifestID uint64) ([]*models.InvoiceView, error)
	UpsertSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error)
	FindSearchLog(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error)
	CreateConfirmation(ctx context.Context, in pgmanifest.ConfirmationInput) (*models.DeliveryConfirmation, error)
	GetConfirmation(ctx context.Context, id uint64) (*models.DeliveryConfirmation, error)
}

type Catalog interface {
	List(ctx context.Context) ([]*models.OccurrenceCode, error)
	Lookup(ctx context.Context, code int) (*models.OccurrenceCode, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

type Service struct {
	repo     Repository
	catalog  Catalog
	producer Producer

	reconcileTopic string
	pushTopic      string
	now            func() time.Time
}

func New(repo Repository, cat Catalog, producer Producer, reconcileTopic, pushTopic string) *Service {
	return &Service{
		repo:           repo,
		catalog:        cat,
		producer:       producer,
		reconcileTopic: reconcileTopic,
		pushTopic:      pushTopic,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func cleanManifestNumber(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("manifest_number is required")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", invalid("manifest_number must be numeric")
		}
	}
	return s, nil
}

// RequestSearch records a sync request and enqueues the reconcile job. A
// driver already holding a different manifest in transit is refused before
// anything is written. A failed publish is only logged: the request stays
// AWAITING and the worker sweeper picks it up later.
func (s *Service) RequestSearch(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	number, err := cleanManifestNumber(manifestNumber)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}

	active, err := s.repo.ActiveManifest(ctx, driverID)
	switch {
	case err == nil && active.Number != number:
		return nil, errors.Wrapf(pgmanifest.ErrDriverBusy, "manifest %s", active.Number)
	case err != nil && !errors.Is(err, pgmanifest.ErrNotFound):
		return nil, err
	}

	sl, err := s.repo.UpsertSearchLog(ctx, driverID, number)
	if err != nil {
		return nil, err
	}

	msg := messages.NewReconcileRequested(sl.ID, driverID, number)
	if err := s.producer.PublishJSON(ctx, s.reconcileTopic, msg.Key(), msg); err != nil {
		slog.Warn("publish reconcile job", "search_log_id", sl.ID, "manifest", number, "error", err.Error())
	}
	return sl, nil
}

func (s *Service) SearchStatus(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error) {
	number, err := cleanManifestNumber(manifestNumber)
	if err != nil {
		return nil, err
	}
	return s.repo.FindSearchLog(ctx, driverID, number)
}

type ConfirmationRequest struct {
	ManifestNumber   string
	AccessKey        string
	OccurrenceCode   int
	PhotoURL         string
	ReceiverName     string
	ReceiverDocument string
	Note             string
	Latitude         *decimal.Decimal
	Longitude        *decimal.Decimal
	ConfirmedAt      time.Time
}

var (
	maxLat = decimal.NewFromInt(90)
	maxLng = decimal.NewFromInt(180)
)

func validPhotoURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SubmitConfirmation stores a driver's confirmation and enqueues its push.
// The occurrence kind decides both the confirmation kind and the new
// invoice status.
func (s *Service) SubmitConfirmation(ctx context.Context, req ConfirmationRequest) (*models.DeliveryConfirmation, error) {
	number, err := cleanManifestNumber(req.ManifestNumber)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.AccessKey)
	if key == "" {
		return nil, invalid("access_key is required")
	}
	if !validPhotoURL(req.PhotoURL) {
		return nil, invalid("photo_url must be an absolute http(s) URL")
	}
	if req.Latitude != nil && req.Latitude.Abs().GreaterThan(maxLat) {
		return nil, invalid("latitude out of range")
	}
	if req.Longitude != nil && req.Longitude.Abs().GreaterThan(maxLng) {
		return nil, invalid("longitude out of range")
	}

	oc, err := s.catalog.Lookup(ctx, req.OccurrenceCode)
	if errors.Is(err, catalog.ErrUnknownCode) {
		return nil, invalid("unknown occurrence code %d", req.OccurrenceCode)
	}
	if err != nil {
		return nil, err
	}

	in := pgmanifest.ConfirmationInput{
		ManifestNumber:   number,
		AccessKey:        key,
		Kind:             models.ConfirmationKindOccurrence,
		InvoiceStatus:    models.InvoiceStatusOccurrence,
		OccurrenceCode:   oc.Code,
		PhotoURL:         strings.TrimSpace(req.PhotoURL),
		ReceiverName:     strings.TrimSpace(req.ReceiverName),
		ReceiverDocument: strings.TrimSpace(req.ReceiverDocument),
		Note:             strings.TrimSpace(req.Note),
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		ConfirmedAt:      req.ConfirmedAt,
	}
	if oc.Kind == models.OccurrenceKindDelivery {
		in.Kind = models.ConfirmationKindDelivery
		in.InvoiceStatus = models.InvoiceStatusDelivered
	}
	if in.ConfirmedAt.IsZero() {
		in.ConfirmedAt = s.now()
	}

	c, err := s.repo.CreateConfirmation(ctx, in)
	if err != nil {
		return nil, err
	}

	msg := messages.NewPushRequested(c.ID, false)
	if err := s.producer.PublishJSON(ctx, s.pushTopic, msg.Key(), msg); err != nil {
		slog.Warn("publish push job", "confirmation_id", c.ID, "error", err.Error())
	}
	return c, nil
}

// RetriggerPush is the operator action that sends a confirmation again,
// whatever its push state.
func (s *Service) RetriggerPush(ctx context.Context, confirmationID uint64) (*models.DeliveryConfirmation, error) {
	c, err := s.repo.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	msg := messages.NewPushRequested(c.ID, true)
	if err := s.producer.PublishJSON(ctx, s.pushTopic, msg.Key(), msg); err != nil {
		return nil, errors.Wrap(err, "publish push job")
	}
	slog.Info("push re-triggered", "confirmation_id", c.ID, "push_state", c.PushState)
	return c, nil
}

func parseOdometer(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, invalid("odometer must be a number")
	}
	if d.IsNegative() {
		return decimal.Zero, invalid("odometer must not be negative")
	}
	return d.Round(1), nil
}

func (s *Service) StartManifest(ctx context.Context, driverID uint64, manifestNumber, odometer string) (*models.Manifest, error) {
	number, err := cleanManifestNumber(manifestNumber)
	if err != nil {
		return nil, err
	}
	odo, err := parseOdometer(odometer)
	if err != nil {
		return nil, err
	}
	return s.repo.StartManifest(ctx, driverID, number, odo)
}

// FinishManifest closes the driver's manifest in transit. The ending
// odometer may not be below the starting one.
func (s *Service) FinishManifest(ctx context.Context, driverID uint64, odometer string) (*models.Manifest, error) {
	odo, err := parseOdometer(odometer)
	if err != nil {
		return nil, err
	}
	active, err := s.repo.ActiveManifest(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if active.StartingOdometer != nil && odo.LessThan(*active.StartingOdometer) {
		return nil, invalid("ending odometer %s is below starting odometer %s", odo, active.StartingOdometer)
	}
	return s.repo.FinishManifest(ctx, driverID, odo)
}

func (s *Service) ActiveManifest(ctx context.Context, driverID uint64) (*models.Manifest, error) {
	return s.repo.ActiveManifest(ctx, driverID)
}

func (s *Service) ListInvoices(ctx context.Context, manifestNumber string) (*models.Manifest, []*models.InvoiceView, error) {
	number, err := cleanManifestNumber(manifestNumber)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.repo.GetManifestByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	invs, err := s.repo.ListInvoices(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	return m, invs, nil
}

func (s *Service) ListOccurrenceCodes(ctx context.Context) ([]*models.OccurrenceCode, error) {
	return s.catalog.List(ctx)
}
