// Package tms describes the external transport management system: the calls
// the pipeline makes, the typed records it exchanges and the errors it raises.
package tms

import "context"

type Endpoint string

const (
	EndpointManifestLookup   Endpoint = "manifest_lookup"
	EndpointOccurrenceList   Endpoint = "occurrence_list"
	EndpointInvoiceDetail    Endpoint = "invoice_detail"
	EndpointConfirmationPush Endpoint = "confirmation_push"
)

// Client is one view over the TMS. Implementations used inside a job session
// space consecutive listing and detail calls by the configured throttle delay.
type Client interface {
	LookupManifest(ctx context.Context, sequenceCode string) ([]ManifestRecord, error)
	ListOccurrences(ctx context.Context, req OccurrenceListRequest) (OccurrencePage, error)
	InvoiceDetails(ctx context.Context, invoiceNumber string) ([]InvoiceDetailRecord, error)
	PushConfirmation(ctx context.Context, p ConfirmationPayload) error
}

// Sessions hands out a fresh throttled Client per job so one job's pacing
// never delays another's.
type Sessions interface {
	NewSession() Client
}
