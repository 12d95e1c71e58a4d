package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/prism/internal/models"
)

func apply(t *testing.T, payload string) (*models.ResultEvent, []models.FutureTrigger, error) {
	t.Helper()
	ev := models.ChangeEvent{QueryID: "q1", Sequence: 42, Payload: json.RawMessage(payload)}
	return NewPassthrough().Apply(context.Background(), ev)
}

func TestPassthrough_MapsOpsToDiffs(t *testing.T) {
	tests := []struct {
		op   string
		want models.DiffOp
	}{
		{"insert", models.DiffAdded},
		{"update", models.DiffUpdated},
		{"delete", models.DiffDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			result, triggers, err := apply(t, `{"op":"`+tt.op+`","key":"k1","value":7}`)
			require.NoError(t, err)
			assert.Empty(t, triggers)
			require.Len(t, result.Diffs, 1)
			assert.Equal(t, tt.want, result.Diffs[0].Op)
			assert.Equal(t, "k1", result.Diffs[0].Key)
			assert.EqualValues(t, 42, result.Sequence)
			assert.False(t, result.EmittedAt.IsZero())
		})
	}
}

func TestPassthrough_RejectsMalformedChanges(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"bad json", `{op:`},
		{"unknown op", `{"op":"upsert","key":"k1"}`},
		{"empty key", `{"op":"insert","key":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := apply(t, tt.payload)
			assert.ErrorIs(t, err, models.ErrMalformedEvent)
		})
	}
}

func TestPassthrough_TriggerProducesNoDiffs(t *testing.T) {
	result, triggers, err := apply(t, `{"op":"trigger","token":"recheck"}`)
	require.NoError(t, err)
	assert.Empty(t, triggers)
	assert.Empty(t, result.Diffs)
}

func TestPassthrough_ExtractsFutureTriggers(t *testing.T) {
	payload := `{"op":"update","key":"k1","value":1,` +
		`"futures":[{"dueAt":"2024-04-01T12:00:00Z","token":"recheck-k1"},{"dueAt":"2024-04-01T13:00:00Z"}]}`
	_, triggers, err := apply(t, payload)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "recheck-k1", triggers[0].Token)
	assert.Equal(t, "q1", triggers[0].QueryID)
	assert.Equal(t, time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC), triggers[0].DueAt.UTC())
	assert.NotEmpty(t, triggers[1].Token, "omitted tokens are generated")
	assert.NotEqual(t, triggers[0].Token, triggers[1].Token)
}

func TestSnapshotClient_StreamsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queries/q1/snapshot", r.URL.Path)
		w.Write([]byte(`[{"key":"k1","data":{"n":1}},{"key":"k2","data":{"n":2}}]`))
	}))
	defer srv.Close()

	var rows []BootstrapRow
	err := NewSnapshotClient(srv.URL).Bootstrap(context.Background(), "q1", func(row BootstrapRow) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "k1", rows[0].Key)
	assert.JSONEq(t, `{"n":2}`, string(rows[1].Data))
}

func TestSnapshotClient_NonOKStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSnapshotClient(srv.URL).Bootstrap(context.Background(), "q1", func(BootstrapRow) error { return nil })
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestSnapshotClient_TruncatedBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"key":"k1","data":1}`))
	}))
	defer srv.Close()

	err := NewSnapshotClient(srv.URL).Bootstrap(context.Background(), "q1", func(BootstrapRow) error { return nil })
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
}
