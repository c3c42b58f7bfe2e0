package eslhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	serviceDateRange = "2024-01-01 - 2050-12-31"
	issueDateRange   = "2000-01-01 - 2050-12-31"
	reportPage       = "1"
	reportPer        = "100"
	quotaWindow      = 70 * time.Second
	quotaWait        = 500 * time.Millisecond
	maxErrorBody     = 4096
)

// Quota is a fleet-wide calls-per-minute budget shared by every worker.
type Quota interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Paths struct {
	ManifestLookup   string
	OccurrenceList   string
	InvoiceDetail    string
	ConfirmationPush string
}

func DefaultPaths() Paths {
	return Paths{
		ManifestLookup:   "/api/analytics/reports/2972/data",
		OccurrenceList:   "/api/invoice_occurrences",
		InvoiceDetail:    "/api/analytics/reports/9873/data",
		ConfirmationPush: "/api/invoice_occurrences/confirm",
	}
}

type Options struct {
	BaseURL        string
	Token          string
	Paths          Paths
	RequestTimeout time.Duration
	ThrottleDelay  time.Duration
	QuotaPerMinute int64
}

type Client struct {
	baseURL       string
	token         string
	paths         Paths
	throttleDelay time.Duration
	quota         Quota
	quotaPerMin   int64
	now           func() time.Time
	httpc         *http.Client
}

func New(opts Options, quota Quota) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	def := DefaultPaths()
	if opts.Paths.ManifestLookup == "" {
		opts.Paths.ManifestLookup = def.ManifestLookup
	}
	if opts.Paths.OccurrenceList == "" {
		opts.Paths.OccurrenceList = def.OccurrenceList
	}
	if opts.Paths.InvoiceDetail == "" {
		opts.Paths.InvoiceDetail = def.InvoiceDetail
	}
	if opts.Paths.ConfirmationPush == "" {
		opts.Paths.ConfirmationPush = def.ConfirmationPush
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		paths:         opts.Paths,
		throttleDelay: opts.ThrottleDelay,
		quota:         quota,
		quotaPerMin:   opts.QuotaPerMinute,
		now:           time.Now,
		httpc: &http.Client{
			Timeout: opts.RequestTimeout,
		},
	}
}

// NewSession returns a Client that keeps listing and detail calls at least
// ThrottleDelay apart. Manifest lookups and pushes go straight through.
func (c *Client) NewSession() tms.Client {
	limit := rate.Inf
	if c.throttleDelay > 0 {
		limit = rate.Every(c.throttleDelay)
	}
	return &Session{c: c, lim: rate.NewLimiter(limit, 1)}
}

type manifestSearch struct {
	Search struct {
		Manifests struct {
			SequenceCode string `json:"sequence_code"`
			ServiceDate  string `json:"service_date"`
		} `json:"manifests"`
	} `json:"search"`
	Page string `json:"page"`
	Per  string `json:"per"`
}

type invoiceSearch struct {
	Search struct {
		Invoices struct {
			Number    string `json:"number"`
			IssueDate string `json:"issue_date"`
		} `json:"invoices"`
	} `json:"search"`
	Page string `json:"page"`
	Per  string `json:"per"`
}

func (c *Client) LookupManifest(ctx context.Context, sequenceCode string) ([]tms.ManifestRecord, error) {
	var body manifestSearch
	body.Search.Manifests.SequenceCode = sequenceCode
	body.Search.Manifests.ServiceDate = serviceDateRange
	body.Page, body.Per = reportPage, reportPer

	var out []tms.ManifestRecord
	if err := c.Call(ctx, tms.EndpointManifestLookup, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListOccurrences(ctx context.Context, req tms.OccurrenceListRequest) (tms.OccurrencePage, error) {
	var out tms.OccurrencePage
	if err := c.Call(ctx, tms.EndpointOccurrenceList, req, &out); err != nil {
		return tms.OccurrencePage{}, err
	}
	return out, nil
}

func (c *Client) InvoiceDetails(ctx context.Context, invoiceNumber string) ([]tms.InvoiceDetailRecord, error) {
	var body invoiceSearch
	body.Search.Invoices.Number = invoiceNumber
	body.Search.Invoices.IssueDate = issueDateRange
	body.Page, body.Per = reportPage, reportPer

	var out []tms.InvoiceDetailRecord
	if err := c.Call(ctx, tms.EndpointInvoiceDetail, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PushConfirmation(ctx context.Context, p tms.ConfirmationPayload) error {
	return c.Call(ctx, tms.EndpointConfirmationPush, p, nil)
}

// Call sends payload as JSON to endpoint and decodes a 2xx answer into out
// (skipped when out is nil). Report endpoints take their filter as a GET body.
func (c *Client) Call(ctx context.Context, endpoint tms.Endpoint, payload any, out any) error {
	path, method := c.route(endpoint)
	if path == "" {
		return errors.Errorf("unknown tms endpoint %q", endpoint)
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	if err := c.waitQuota(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := c.now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "tms "+string(endpoint))
		}
		return &tms.TransientError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	slog.Debug("tms call", "endpoint", endpoint, "status", resp.StatusCode, "elapsed", c.now().Sub(started))

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &tms.RemoteError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, fmt.Sprintf("decode %s", endpoint))
	}
	return nil
}

func (c *Client) route(endpoint tms.Endpoint) (string, string) {
	switch endpoint {
	case tms.EndpointManifestLookup:
		return c.paths.ManifestLookup, http.MethodGet
	case tms.EndpointOccurrenceList:
		return c.paths.OccurrenceList, http.MethodGet
	case tms.EndpointInvoiceDetail:
		return c.paths.InvoiceDetail, http.MethodGet
	case tms.EndpointConfirmationPush:
		return c.paths.ConfirmationPush, http.MethodPost
	default:
		return "", ""
	}
}

func (c *Client) waitQuota(ctx context.Context) error {
	if c.quota == nil || c.quotaPerMin <= 0 {
		return nil
	}
	for {
		key := "rl:tms:" + c.now().UTC().Format("200601021504")
		allowed, n, err := c.quota.Allow(ctx, key, c.quotaPerMin, quotaWindow)
		if err != nil {
			// The quota is advisory; a Redis outage must not stop the pipeline.
			slog.Warn("tms quota check failed", "error", err.Error())
			return nil
		}
		if allowed {
			return nil
		}
		slog.Warn("tms quota exceeded", "count", n, "limit", c.quotaPerMin)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(quotaWait):
		}
	}
}
