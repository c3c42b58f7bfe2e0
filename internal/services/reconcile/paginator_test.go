package reconcile

import (
	"context"
	"testing"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/BearBump/ManifestSync/internal/integrations/tms/fake"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPaginate_WalksAllPages(t *testing.T) {
	c := fake.New().
		AddPage(7, fake.Occurrence("A", "1"), fake.Occurrence("B", "2")).
		AddPage(7, fake.Occurrence("A", "1"), fake.Occurrence("C", "3"))

	recs, err := NewPaginator(20).Paginate(context.Background(), c, 7)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	require.Equal(t, 2, c.Calls(tms.EndpointOccurrenceList))
}

func TestPaginate_EmptyListing(t *testing.T) {
	c := fake.New()
	recs, err := NewPaginator(20).Paginate(context.Background(), c, 7)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, 1, c.Calls(tms.EndpointOccurrenceList))
}

func TestPaginate_FirstPageFailure(t *testing.T) {
	boom := &tms.RemoteError{Endpoint: tms.EndpointOccurrenceList, StatusCode: 503}
	c := fake.New().AddPage(7, fake.Occurrence("A", "1")).FailPage(7, 0, boom)

	recs, err := NewPaginator(20).Paginate(context.Background(), c, 7)
	require.Error(t, err)
	require.Nil(t, recs)
	var pde *PartialDataError
	require.False(t, errors.As(err, &pde))
}

func TestPaginate_LaterPageFailureKeepsPartial(t *testing.T) {
	boom := &tms.RemoteError{Endpoint: tms.EndpointOccurrenceList, StatusCode: 500}
	c := fake.New().
		AddPage(7, fake.Occurrence("A", "1")).
		AddPage(7, fake.Occurrence("B", "2")).
		AddPage(7, fake.Occurrence("C", "3")).
		FailPage(7, 2, boom)

	recs, err := NewPaginator(20).Paginate(context.Background(), c, 7)
	var pde *PartialDataError
	require.True(t, errors.As(err, &pde))
	require.Equal(t, 2, pde.Pages)
	require.Len(t, recs, 2)
}

type loopingLister struct {
	fake.Client
	calls int
}

func (l *loopingLister) ListOccurrences(ctx context.Context, req tms.OccurrenceListRequest) (tms.OccurrencePage, error) {
	l.calls++
	return tms.OccurrencePage{
		Data:   []tms.OccurrenceRecord{fake.Occurrence("A", "1")},
		Paging: &tms.Paging{NextID: "same"},
	}, nil
}

func TestPaginate_StopsOnRepeatedCursor(t *testing.T) {
	l := &loopingLister{}
	recs, err := NewPaginator(20).Paginate(context.Background(), l, 7)
	require.NoError(t, err)
	require.Equal(t, 2, l.calls)
	require.Len(t, recs, 2)
}

func TestPaginate_SendsPageSizeAndCursor(t *testing.T) {
	var seen []tms.OccurrenceListRequest
	c := &recordingLister{
		pages: []tms.OccurrencePage{
			{Data: []tms.OccurrenceRecord{fake.Occurrence("A", "1")}, Paging: &tms.Paging{NextID: "42"}},
			{Data: []tms.OccurrenceRecord{fake.Occurrence("B", "2")}},
		},
		seen: &seen,
	}
	_, err := NewPaginator(15).Paginate(context.Background(), c, 9)
	require.NoError(t, err)
	require.Equal(t, []tms.OccurrenceListRequest{
		{ResourceID: 9, Per: 15},
		{ResourceID: 9, Per: 15, Start: "42"},
	}, seen)
}

type recordingLister struct {
	fake.Client
	pages []tms.OccurrencePage
	seen  *[]tms.OccurrenceListRequest
}

func (r *recordingLister) ListOccurrences(ctx context.Context, req tms.OccurrenceListRequest) (tms.OccurrencePage, error) {
	*r.seen = append(*r.seen, req)
	p := r.pages[0]
	r.pages = r.pages[1:]
	return p, nil
}
