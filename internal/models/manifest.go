package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ManifestStatusInTransit = "IN_TRANSIT"
	ManifestStatusFinished  = "FINISHED"
	ManifestStatusCancelled = "CANCELLED"
)

const (
	InvoiceStatusPending    = "PENDING"
	InvoiceStatusDelivered  = "DELIVERED"
	InvoiceStatusOccurrence = "OCCURRENCE"
)

type Driver struct {
	ID       uint64
	Document string
	FullName string
	BranchID *uint64
}

type Branch struct {
	ID            uint64
	Name          string
	ContactEmails []string
}

type Manifest struct {
	ID               uint64
	Number           string
	DriverID         *uint64
	BranchID         *uint64
	Status           string
	StartingOdometer *decimal.Decimal
	EndingOdometer   *decimal.Decimal
	Finished         bool
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

// Invoice is one shipment line (nota fiscal) inside a manifest.
type Invoice struct {
	ID              uint64
	ManifestID      uint64
	AccessKey       string
	Number          string
	Recipient       string
	DeliveryAddress string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InvoiceView pairs an invoice with its most recent confirmation, if any.
type InvoiceView struct {
	Invoice
	Confirmation *DeliveryConfirmation
}
