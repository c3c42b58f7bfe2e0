package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OccurrenceKindDelivery = "DELIVERY"
	OccurrenceKindProblem  = "PROBLEM"
)

const (
	ConfirmationKindDelivery   = "DELIVERY"
	ConfirmationKindOccurrence = "OCCURRENCE"
)

const (
	PushStateNotPushed = "NOT_PUSHED"
	PushStatePushed    = "PUSHED"
	PushStateError     = "PUSH_ERROR"
)

type OccurrenceCode struct {
	Code        int
	Description string
	Kind        string
}

// OccurrenceEvent is a tracking event reported by the TMS for an invoice.
type OccurrenceEvent struct {
	ID              uint64
	InvoiceID       uint64
	Code            int
	OccurredAt      time.Time
	Comment         string
	ManifestEventID *int64
	CreatedAt       time.Time
}

type DeliveryConfirmation struct {
	ID               uint64
	InvoiceID        uint64
	Kind             string
	PhotoURL         string
	OccurrenceCode   int
	ReceiverName     string
	ReceiverDocument string
	Note             string
	Latitude         *decimal.Decimal
	Longitude        *decimal.Decimal
	ConfirmedAt      time.Time
	PushState        string
	PushError        *string
	PushedAt         *time.Time
	PushAttempts     int
	CreatedAt        time.Time
}

// ConfirmationContext is a confirmation joined with everything needed to push
// it to the TMS or to report a failure about it.
type ConfirmationContext struct {
	Confirmation   DeliveryConfirmation
	Invoice        Invoice
	ManifestNumber string
	DriverName     string
	DriverDocument string
	BranchName     string
	BranchEmails   []string
	CodeDesc       string
}
