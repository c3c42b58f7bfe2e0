package eslhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, throttle time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:        srv.URL,
		Token:          "tok",
		RequestTimeout: 2 * time.Second,
		ThrottleDelay:  throttle,
	}, nil)
}

func TestClient_LookupManifest_SendsReportFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/analytics/reports/2972/data", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		search := body["search"].(map[string]any)["manifests"].(map[string]any)
		require.Equal(t, "1001", search["sequence_code"])
		require.Equal(t, "2024-01-01 - 2050-12-31", search["service_date"])
		require.Equal(t, "100", body["per"])

		_, _ = w.Write([]byte(`[{"mft_id": 77, "sequence_code": 1001, "mft_mdr_iil_document": "12345678901"}]`))
	}, 0)

	recs, err := c.LookupManifest(context.Background(), "1001")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(77), recs[0].ManifestID)
	require.Equal(t, "1001", recs[0].SequenceCode.String())
	require.Equal(t, "12345678901", recs[0].DriverDocument.String())
}

func TestClient_ListOccurrences_DecodesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req tms.OccurrenceListRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(77), req.ResourceID)
		require.Equal(t, 20, req.Per)
		require.Equal(t, "c1", req.Start)
		_, _ = w.Write([]byte(`{
  "data": [
    {"invoice": {"key": "K1", "number": 10}, "code": 1, "occurrence_at": "2025-01-02T10:00:00Z", "manifest_event_id": 5}
  ],
  "paging": {"next_id": 900}
}`))
	}, 0)

	page, err := c.ListOccurrences(context.Background(), tms.OccurrenceListRequest{ResourceID: 77, Per: 20, Start: "c1"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "K1", page.Data[0].Invoice.Key.String())
	require.Equal(t, "10", page.Data[0].Invoice.Number.String())
	require.Equal(t, 1, *page.Data[0].Code)
	require.Equal(t, "900", page.NextCursor())
}

func TestClient_InvoiceDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/analytics/reports/9873/data", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		inv := body["search"].(map[string]any)["invoices"].(map[string]any)
		require.Equal(t, "555", inv["number"])
		require.Equal(t, "2000-01-01 - 2050-12-31", inv["issue_date"])
		_, _ = w.Write([]byte(`[{"mft_fis_fit_fis_ioe_key": "K", "mft_fis_fit_fis_ioe_number": "555", "mft_fis_fit_fis_ioe_rpt_name": "ACME"}]`))
	}, 0)

	recs, err := c.InvoiceDetails(context.Background(), "555")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	name, ok := recs[0].Recipient()
	require.True(t, ok)
	require.Equal(t, "ACME", name)
}

func TestClient_PushConfirmation_PostsPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		require.Contains(t, string(b), `"occurrence_code":1`)
		w.WriteHeader(http.StatusCreated)
	}, 0)

	err := c.PushConfirmation(context.Background(), tms.ConfirmationPayload{OccurrenceCode: 1})
	require.NoError(t, err)
}

func TestClient_Call_ClassifiesErrors(t *testing.T) {
	status := http.StatusUnprocessableEntity
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid"}`))
	}, 0)

	err := c.PushConfirmation(context.Background(), tms.ConfirmationPayload{})
	var re *tms.RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, 422, re.StatusCode)
	require.Contains(t, re.Body, "invalid")
	require.True(t, re.Permanent())
	require.False(t, tms.IsRetryable(err))

	status = http.StatusBadGateway
	err = c.PushConfirmation(context.Background(), tms.ConfirmationPayload{})
	require.True(t, tms.IsRetryable(err))
}

func TestClient_Call_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url, RequestTimeout: time.Second}, nil)
	_, err := c.LookupManifest(context.Background(), "1")
	var te *tms.TransientError
	require.True(t, errors.As(err, &te))
	require.True(t, tms.IsRetryable(err))
}

func TestSession_ThrottlesListingCalls(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}, 60*time.Millisecond)

	s := c.NewSession()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.InvoiceDetails(context.Background(), "1")
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond)
	require.Equal(t, int32(3), hits.Load())
}

func TestSession_LookupIsNotThrottled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}, time.Hour)

	s := c.NewSession()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.LookupManifest(context.Background(), "1")
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 5*time.Second)
}

type fakeQuota struct {
	calls   int
	allowAt int
}

func (q *fakeQuota) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	q.calls++
	return q.calls >= q.allowAt, int64(q.calls), nil
}

func TestClient_WaitsForQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	q := &fakeQuota{allowAt: 2}
	c := New(Options{BaseURL: srv.URL, QuotaPerMinute: 10}, q)
	_, err := c.LookupManifest(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, 2, q.calls)
}
