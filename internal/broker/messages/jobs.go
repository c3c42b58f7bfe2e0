package messages

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReconcileRequested asks a worker to pull one manifest from the TMS.
type ReconcileRequested struct {
	JobID          uuid.UUID `json:"job_id"`
	SearchLogID    uint64    `json:"search_log_id"`
	DriverID       uint64    `json:"driver_id"`
	ManifestNumber string    `json:"manifest_number"`
	RequestedAt    time.Time `json:"requested_at"`
	Requeued       bool      `json:"requeued,omitempty"`
}

func NewReconcileRequested(searchLogID, driverID uint64, manifestNumber string) ReconcileRequested {
	return ReconcileRequested{
		JobID:          uuid.New(),
		SearchLogID:    searchLogID,
		DriverID:       driverID,
		ManifestNumber: manifestNumber,
		RequestedAt:    time.Now().UTC(),
	}
}

// Key partitions reconcile jobs by manifest number.
func (m ReconcileRequested) Key() string { return m.ManifestNumber }

// PushRequested asks a worker to send one confirmation to the TMS. Force is
// set by an operator re-trigger and lets a PUSH_ERROR confirmation go again.
type PushRequested struct {
	JobID          uuid.UUID `json:"job_id"`
	ConfirmationID uint64    `json:"confirmation_id"`
	Force          bool      `json:"force,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	Requeued       bool      `json:"requeued,omitempty"`
}

func NewPushRequested(confirmationID uint64, force bool) PushRequested {
	return PushRequested{
		JobID:          uuid.New(),
		ConfirmationID: confirmationID,
		Force:          force,
		RequestedAt:    time.Now().UTC(),
	}
}

func (m PushRequested) Key() string { return strconv.FormatUint(m.ConfirmationID, 10) }
