// Package fake is an in-memory TMS used for local runs and tests.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
)

type Client struct {
	mu sync.Mutex

	manifests map[string][]tms.ManifestRecord
	pages     map[int64][][]tms.OccurrenceRecord
	pageErrs  map[int64]map[int]error
	details   map[string][]tms.InvoiceDetailRecord
	pushErrs  []error

	calls  map[tms.Endpoint]int
	pushed []tms.ConfirmationPayload
}

func New() *Client {
	return &Client{
		manifests: map[string][]tms.ManifestRecord{},
		pages:     map[int64][][]tms.OccurrenceRecord{},
		pageErrs:  map[int64]map[int]error{},
		details:   map[string][]tms.InvoiceDetailRecord{},
		calls:     map[tms.Endpoint]int{},
	}
}

// NewSession returns the same client; the fake has nothing to throttle.
func (c *Client) NewSession() tms.Client { return c }

func (c *Client) AddManifest(sequenceCode string, manifestID int64, driverDocument string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifests[sequenceCode] = append(c.manifests[sequenceCode], tms.ManifestRecord{
		ManifestID:     manifestID,
		SequenceCode:   tms.FlexString(sequenceCode),
		DriverDocument: tms.FlexString(driverDocument),
	})
	return c
}

// AddPage appends one page of occurrences for a manifest. Pages are chained
// with generated cursors in the order they were added.
func (c *Client) AddPage(manifestID int64, recs ...tms.OccurrenceRecord) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[manifestID] = append(c.pages[manifestID], recs)
	return c
}

// FailPage makes the page at index fail with err.
func (c *Client) FailPage(manifestID int64, index int, err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pageErrs[manifestID] == nil {
		c.pageErrs[manifestID] = map[int]error{}
	}
	c.pageErrs[manifestID][index] = err
	return c
}

func (c *Client) AddDetail(invoiceNumber string, recs ...tms.InvoiceDetailRecord) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[invoiceNumber] = append(c.details[invoiceNumber], recs...)
	return c
}

// FailPushes queues errors returned by the next push calls, in order.
func (c *Client) FailPushes(errs ...error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErrs = append(c.pushErrs, errs...)
	return c
}

func (c *Client) Calls(e tms.Endpoint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[e]
}

func (c *Client) Pushed() []tms.ConfirmationPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tms.ConfirmationPayload(nil), c.pushed...)
}

func (c *Client) LookupManifest(ctx context.Context, sequenceCode string) ([]tms.ManifestRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[tms.EndpointManifestLookup]++
	return append([]tms.ManifestRecord(nil), c.manifests[sequenceCode]...), nil
}

func (c *Client) ListOccurrences(ctx context.Context, req tms.OccurrenceListRequest) (tms.OccurrencePage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[tms.EndpointOccurrenceList]++

	idx := 0
	if req.Start != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(req.Start, "p"))
		if err != nil {
			return tms.OccurrencePage{}, &tms.RemoteError{Endpoint: tms.EndpointOccurrenceList, StatusCode: 400, Body: "bad cursor"}
		}
		idx = n
	}
	if err := c.pageErrs[req.ResourceID][idx]; err != nil {
		return tms.OccurrencePage{}, err
	}

	pages := c.pages[req.ResourceID]
	if idx >= len(pages) {
		return tms.OccurrencePage{}, nil
	}
	out := tms.OccurrencePage{Data: append([]tms.OccurrenceRecord(nil), pages[idx]...)}
	if idx+1 < len(pages) {
		out.Paging = &tms.Paging{NextID: tms.FlexString(fmt.Sprintf("p%d", idx+1))}
	}
	return out, nil
}

func (c *Client) InvoiceDetails(ctx context.Context, invoiceNumber string) ([]tms.InvoiceDetailRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[tms.EndpointInvoiceDetail]++
	return append([]tms.InvoiceDetailRecord(nil), c.details[invoiceNumber]...), nil
}

func (c *Client) PushConfirmation(ctx context.Context, p tms.ConfirmationPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[tms.EndpointConfirmationPush]++
	if len(c.pushErrs) > 0 {
		err := c.pushErrs[0]
		c.pushErrs = c.pushErrs[1:]
		if err != nil {
			return err
		}
	}
	c.pushed = append(c.pushed, p)
	return nil
}

// Occurrence builds a record for AddPage.
func Occurrence(key, number string) tms.OccurrenceRecord {
	return tms.OccurrenceRecord{Invoice: tms.InvoiceRef{Key: tms.FlexString(key), Number: tms.FlexString(number)}}
}
