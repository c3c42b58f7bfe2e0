package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/ManifestSync/config"
	"github.com/BearBump/ManifestSync/internal/models"
	"github.com/BearBump/ManifestSync/internal/services/manifests"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	manifestsmocks "github.com/BearBump/ManifestSync/internal/services/manifests/mocks"
)

type fakeDB struct{ err error }

func (d fakeDB) Ping(ctx context.Context) error { return d.err }

func writeSwagger(t *testing.T) string {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func newService() (*manifests.Service, *manifestsmocks.MockCatalog) {
	cat := &manifestsmocks.MockCatalog{}
	svc := manifests.New(&manifestsmocks.MockRepository{}, cat, &manifestsmocks.MockProducer{}, "r", "p")
	return svc, cat
}

func TestRunManifestAPI_ServesHTTPAndHealth(t *testing.T) {
	svc, cat := newService()
	cat.On("List", mock.Anything).Return([]*models.OccurrenceCode{{Code: 1, Kind: "DELIVERY"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type addrs struct{ grpc, http string }
	addrCh := make(chan addrs, 1)
	opts := manifestAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
		onListen:    func(g, h string) { addrCh <- addrs{g, h} },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runManifestAPI(ctx, opts, svc, fakeDB{}) }()
	a := <-addrCh

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + a.http + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.http + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"swagger"`)

	resp, err = http.Get("http://" + a.http + "/api/v1/occurrence-codes")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(a.grpc, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && hc.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRunManifestAPI_RequiresSwagger(t *testing.T) {
	svc, _ := newService()
	err := runManifestAPI(context.Background(), manifestAPIOpts{grpcAddr: "127.0.0.1:0", httpAddr: "127.0.0.1:0"}, svc, fakeDB{})
	require.Error(t, err)

	err = runManifestAPI(context.Background(), manifestAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	}, svc, fakeDB{})
	require.ErrorContains(t, err, "swagger file not found")
}

func TestRouter_ReadyzReflectsDatabase(t *testing.T) {
	svc, _ := newService()
	sw := writeSwagger(t)

	for _, tc := range []struct {
		db   fakeDB
		want int
	}{
		{fakeDB{}, http.StatusOK},
		{fakeDB{err: errors.New("down")}, http.StatusServiceUnavailable},
	} {
		h := newRouter(svc, tc.db, sw)
		req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code)
	}
}

func TestCatalogCodes(t *testing.T) {
	require.Len(t, catalogCodes(nil), 5)

	out := catalogCodes([]config.OccurrenceCodeConfig{{Code: 9, Description: "AVARIA", Kind: "problem"}})
	require.Equal(t, []models.OccurrenceCode{{Code: 9, Description: "AVARIA", Kind: "problem"}}, out)
}
