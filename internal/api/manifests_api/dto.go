package manifests_api

import (
	"encoding/json"
	"time"

	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/shopspring/decimal"
)

type searchLogDTO struct {
	ID             uint64          `json:"id"`
	DriverID       uint64          `json:"driver_id"`
	ManifestNumber string          `json:"manifest_number"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	Summary        json.RawMessage `json:"summary,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type manifestDTO struct {
	ID               uint64           `json:"id"`
	Number           string           `json:"number"`
	DriverID         *uint64          `json:"driver_id,omitempty"`
	Status           string           `json:"status"`
	StartingOdometer *decimal.Decimal `json:"starting_odometer,omitempty"`
	EndingOdometer   *decimal.Decimal `json:"ending_odometer,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}

type invoiceDTO struct {
	ID              uint64           `json:"id"`
	AccessKey       string           `json:"access_key"`
	Number          string           `json:"number"`
	Recipient       string           `json:"recipient"`
	DeliveryAddress string           `json:"delivery_address"`
	Status          string           `json:"status"`
	Confirmation    *confirmationDTO `json:"confirmation,omitempty"`
}

type confirmationDTO struct {
	ID             uint64     `json:"id"`
	InvoiceID      uint64     `json:"invoice_id"`
	Kind           string     `json:"kind"`
	OccurrenceCode int        `json:"occurrence_code"`
	PhotoURL       string     `json:"photo_url"`
	ReceiverName   string     `json:"receiver_name,omitempty"`
	ConfirmedAt    time.Time  `json:"confirmed_at"`
	PushState      string     `json:"push_state"`
	PushError      string     `json:"push_error,omitempty"`
	PushAttempts   int        `json:"push_attempts"`
	PushedAt       *time.Time `json:"pushed_at,omitempty"`
}

type occurrenceCodeDTO struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

func toSearchLog(sl *models.SearchLog) searchLogDTO {
	out := searchLogDTO{
		ID:             sl.ID,
		DriverID:       sl.DriverID,
		ManifestNumber: sl.ManifestNumber,
		Status:         sl.Status,
		UpdatedAt:      sl.UpdatedAt,
		Error:          derefString(sl.ErrorMessage),
	}
	if len(sl.Payload) > 0 {
		out.Summary = sl.Payload
	}
	return out
}

func toManifest(m *models.Manifest) manifestDTO {
	return manifestDTO{
		ID:               m.ID,
		Number:           m.Number,
		DriverID:         m.DriverID,
		Status:           m.Status,
		StartingOdometer: m.StartingOdometer,
		EndingOdometer:   m.EndingOdometer,
		FinishedAt:       m.FinishedAt,
	}
}

func toInvoice(v *models.InvoiceView) invoiceDTO {
	out := invoiceDTO{
		ID:              v.ID,
		AccessKey:       v.AccessKey,
		Number:          v.Number,
		Recipient:       v.Recipient,
		DeliveryAddress: v.DeliveryAddress,
		Status:          v.Status,
	}
	if v.Confirmation != nil {
		c := toConfirmation(v.Confirmation)
		out.Confirmation = &c
	}
	return out
}

func toConfirmation(c *models.DeliveryConfirmation) confirmationDTO {
	return confirmationDTO{
		ID:             c.ID,
		InvoiceID:      c.InvoiceID,
		Kind:           c.Kind,
		OccurrenceCode: c.OccurrenceCode,
		PhotoURL:       c.PhotoURL,
		ReceiverName:   c.ReceiverName,
		ConfirmedAt:    c.ConfirmedAt,
		PushState:      c.PushState,
		PushError:      derefString(c.PushError),
		PushAttempts:   c.PushAttempts,
		PushedAt:       c.PushedAt,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
