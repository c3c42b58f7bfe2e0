package models

import (
	"encoding/json"
	"time"
)

const (
	SearchStatusAwaiting  = "AWAITING"
	SearchStatusEnriching = "ENRICHING"
	SearchStatusProcessed = "PROCESSED"
	SearchStatusError     = "ERROR"
)

type SearchLog struct {
	ID             uint64
	DriverID       uint64
	ManifestNumber string
	Status         string
	ErrorMessage   *string
	Payload        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (l *SearchLog) Terminal() bool {
	return l.Status == SearchStatusProcessed || l.Status == SearchStatusError
}
