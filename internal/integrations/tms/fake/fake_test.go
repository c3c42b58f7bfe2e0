package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/ManifestSync/internal/integrations/tms"
	"github.com/stretchr/testify/require"
)

func TestClient_PagesAreChained(t *testing.T) {
	c := New().
		AddPage(7, Occurrence("A", "1"), Occurrence("B", "2")).
		AddPage(7, Occurrence("C", "3"))

	p1, err := c.ListOccurrences(context.Background(), tms.OccurrenceListRequest{ResourceID: 7})
	require.NoError(t, err)
	require.Len(t, p1.Data, 2)
	require.Equal(t, "p1", p1.NextCursor())

	p2, err := c.ListOccurrences(context.Background(), tms.OccurrenceListRequest{ResourceID: 7, Start: p1.NextCursor()})
	require.NoError(t, err)
	require.Len(t, p2.Data, 1)
	require.Equal(t, "", p2.NextCursor())
	require.Equal(t, 2, c.Calls(tms.EndpointOccurrenceList))
}

func TestClient_PushErrorsAreQueued(t *testing.T) {
	boom := errors.New("boom")
	c := New().FailPushes(boom)

	require.ErrorIs(t, c.PushConfirmation(context.Background(), tms.ConfirmationPayload{}), boom)
	require.NoError(t, c.PushConfirmation(context.Background(), tms.ConfirmationPayload{OccurrenceCode: 1}))
	require.Len(t, c.Pushed(), 1)
	require.Equal(t, 2, c.Calls(tms.EndpointConfirmationPush))
}
