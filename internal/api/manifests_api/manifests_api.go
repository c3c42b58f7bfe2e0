package manifests_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/services/manifests"
	"github.com/BearBump/ManifestSync/internal/storage/pgmanifest"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Service interface {
	RequestSearch(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error)
	SearchStatus(ctx context.Context, driverID uint64, manifestNumber string) (*models.SearchLog, error)
	SubmitConfirmation(ctx context.Context, req manifests.ConfirmationRequest) (*models.DeliveryConfirmation, error)
	RetriggerPush(ctx context.Context, confirmationID uint64) (*models.DeliveryConfirmation, error)
	StartManifest(ctx context.Context, driverID uint64, manifestNumber, odometer string) (*models.Manifest, error)
	FinishManifest(ctx context.Context, driverID uint64, odometer string) (*models.Manifest, error)
	ActiveManifest(ctx context.Context, driverID uint64) (*models.Manifest, error)
	ListInvoices(ctx context.Context, manifestNumber string) (*models.Manifest, []*models.InvoiceView, error)
	ListOccurrenceCodes(ctx context.Context) ([]*models.OccurrenceCode, error)
}

type ManifestsAPI struct {
	svc Service
}

func New(svc Service) *ManifestsAPI {
	return &ManifestsAPI{svc: svc}
}

func (a *ManifestsAPI) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/manifests/search", a.requestSearch)
		r.Get("/manifests/search", a.searchStatus)
		r.Post("/manifests/start", a.startManifest)
		r.Post("/manifests/finish", a.finishManifest)
		r.Get("/manifests/{number}/invoices", a.listInvoices)
		r.Get("/drivers/{id}/active-manifest", a.activeManifest)
		r.Post("/confirmations", a.submitConfirmation)
		r.Post("/confirmations/{id}/push", a.retriggerPush)
		r.Get("/occurrence-codes", a.listOccurrenceCodes)
	})
}

type searchRequest struct {
	DriverID       uint64 `json:"driver_id"`
	ManifestNumber string `json:"manifest_number"`
}

type startRequest struct {
	DriverID         uint64      `json:"driver_id"`
	ManifestNumber   string      `json:"manifest_number"`
	StartingOdometer json.Number `json:"starting_odometer"`
}

type finishRequest struct {
	DriverID       uint64      `json:"driver_id"`
	EndingOdometer json.Number `json:"ending_odometer"`
}

type confirmationRequest struct {
	ManifestNumber   string           `json:"manifest_number"`
	AccessKey        string           `json:"access_key"`
	OccurrenceCode   int              `json:"occurrence_code"`
	PhotoURL         string           `json:"photo_url"`
	ReceiverName     string           `json:"receiver_name"`
	ReceiverDocument string           `json:"receiver_document"`
	Note             string           `json:"note"`
	Latitude         *decimal.Decimal `json:"latitude,omitempty"`
	Longitude        *decimal.Decimal `json:"longitude,omitempty"`
	ConfirmedAt      *time.Time       `json:"confirmed_at,omitempty"`
}

func (a *ManifestsAPI) requestSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	sl, err := a.svc.RequestSearch(r.Context(), req.DriverID, req.ManifestNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSearchLog(sl))
}

func (a *ManifestsAPI) searchStatus(w http.ResponseWriter, r *http.Request) {
	driverID, err := strconv.ParseUint(r.URL.Query().Get("driver_id"), 10, 64)
	if err != nil {
		writeError(w, errors.Wrap(manifests.ErrInvalidArgument, "driver_id"))
		return
	}
	sl, err := a.svc.SearchStatus(r.Context(), driverID, r.URL.Query().Get("manifest_number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSearchLog(sl))
}

func (a *ManifestsAPI) startManifest(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := a.svc.StartManifest(r.Context(), req.DriverID, req.ManifestNumber, req.StartingOdometer.String())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toManifest(m))
}

func (a *ManifestsAPI) finishManifest(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := a.svc.FinishManifest(r.Context(), req.DriverID, req.EndingOdometer.String())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toManifest(m))
}

func (a *ManifestsAPI) activeManifest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	m, err := a.svc.ActiveManifest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toManifest(m))
}

func (a *ManifestsAPI) listInvoices(w http.ResponseWriter, r *http.Request) {
	m, invs, err := a.svc.ListInvoices(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := struct {
		Manifest manifestDTO  `json:"manifest"`
		Invoices []invoiceDTO `json:"invoices"`
	}{Manifest: toManifest(m), Invoices: make([]invoiceDTO, 0, len(invs))}
	for _, inv := range invs {
		out.Invoices = append(out.Invoices, toInvoice(inv))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *ManifestsAPI) submitConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if !decode(w, r, &req) {
		return
	}
	in := manifests.ConfirmationRequest{
		ManifestNumber:   req.ManifestNumber,
		AccessKey:        req.AccessKey,
		OccurrenceCode:   req.OccurrenceCode,
		PhotoURL:         req.PhotoURL,
		ReceiverName:     req.ReceiverName,
		ReceiverDocument: req.ReceiverDocument,
		Note:             req.Note,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
	}
	if req.ConfirmedAt != nil {
		in.ConfirmedAt = req.ConfirmedAt.UTC()
	}
	c, err := a.svc.SubmitConfirmation(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfirmation(c))
}

func (a *ManifestsAPI) retriggerPush(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := a.svc.RetriggerPush(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toConfirmation(c))
}

func (a *ManifestsAPI) listOccurrenceCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := a.svc.ListOccurrenceCodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]occurrenceCodeDTO, 0, len(codes))
	for _, c := range codes {
		out = append(out, occurrenceCodeDTO{Code: c.Code, Description: c.Description, Kind: c.Kind})
	}
	writeJSON(w, http.StatusOK, out)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, errors.Wrapf(manifests.ErrInvalidArgument, "malformed body: %v", err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, errors.Wrapf(manifests.ErrInvalidArgument, "bad %s", name))
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors onto HTTP codes. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manifests.ErrInvalidArgument),
		errors.Is(err, pgmanifest.ErrUnknownOccurrenceCode):
		return http.StatusBadRequest
	case errors.Is(err, pgmanifest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pgmanifest.ErrDriverBusy),
		errors.Is(err, pgmanifest.ErrManifestTaken),
		errors.Is(err, pgmanifest.ErrPendingInvoices):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("manifests api", "error", msg)
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
