package messages

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewReconcileRequested(t *testing.T) {
	m := NewReconcileRequested(5, 2, "1001")
	require.NotEqual(t, uuid.Nil, m.JobID)
	require.Equal(t, "1001", m.Key())
	require.False(t, m.RequestedAt.IsZero())

	b, err := json.Marshal(m)
	require.NoError(t, err)
	require.Contains(t, string(b), `"search_log_id":5`)
	require.NotContains(t, string(b), "requeued")
}

func TestNewPushRequested(t *testing.T) {
	a := NewPushRequested(42, true)
	b := NewPushRequested(42, false)
	require.NotEqual(t, a.JobID, b.JobID)
	require.Equal(t, "42", a.Key())
	require.True(t, a.Force)

	var back PushRequested
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, a.JobID, back.JobID)
	require.True(t, back.Force)
}
