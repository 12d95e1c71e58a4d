package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/prism/internal/config"
	"github.com/tarungka/prism/internal/db/badgerdb"
	"github.com/tarungka/prism/internal/runtime"
	"github.com/tarungka/prism/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	kv, err := badgerdb.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	st := store.New(kv)
	cfg := &config.Config{NodeID: "test", Port: "0", MaxRestarts: 1}
	mgr := runtime.NewManager(context.Background(), cfg, kv, st, store.NewSweeper(st, time.Minute, 64), nil, nil)
	return New(cfg, mgr, st), st
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (bool, json.RawMessage, string) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Success, env.Data, env.Error
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ConfigureQueryRejectsInvalidConfig(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/queries/q1", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ok, _, msg := decodeEnvelope(t, rec)
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}

func TestServer_ConfigureQueryRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/queries/q1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UnknownQueryIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/queries/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/queries/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ConfigureViewRejectsBadRetention(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"queryId":"q1","retention":{"kind":"expire"}}`
	rec := doRequest(t, s, http.MethodPost, "/views/v1/config", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ReadViewKey(t *testing.T) {
	s, st := newTestServer(t)
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Upsert("v1", "k1", json.RawMessage(`{"temp":31}`), base))
	require.NoError(t, st.Upsert("v1", "k1", json.RawMessage(`{"temp":35}`), base.Add(time.Minute)))

	// As-of between the two versions resolves the first one.
	asOf := base.Add(30 * time.Second).Format(time.RFC3339Nano)
	rec := doRequest(t, s, http.MethodGet, "/views/v1/k1?asOf="+asOf, "")
	require.Equal(t, http.StatusOK, rec.Code)
	ok, data, _ := decodeEnvelope(t, rec)
	assert.True(t, ok)
	var row viewRowResponse
	require.NoError(t, json.Unmarshal(data, &row))
	assert.Equal(t, "k1", row.Key)
	assert.JSONEq(t, `{"temp":31}`, string(row.Data))
	require.NotNil(t, row.ValidTo, "superseded version renders its validTo")
	assert.True(t, row.ValidTo.Equal(base.Add(time.Minute)))

	// No asOf reads the current version, which renders without validTo.
	rec = doRequest(t, s, http.MethodGet, "/views/v1/k1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, _ = decodeEnvelope(t, rec)
	row = viewRowResponse{}
	require.NoError(t, json.Unmarshal(data, &row))
	assert.JSONEq(t, `{"temp":35}`, string(row.Data))
	assert.Nil(t, row.ValidTo)
}

func TestServer_ReadViewKeyNotValidAtTime(t *testing.T) {
	s, st := newTestServer(t)
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Upsert("v1", "k1", json.RawMessage(`1`), base))

	asOf := base.Add(-time.Hour).Format(time.RFC3339Nano)
	rec := doRequest(t, s, http.MethodGet, "/views/v1/k1?asOf="+asOf, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/views/v1/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ReadViewRejectsBadAsOf(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/views/v1/k1?asOf=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/views/v1/?asOf=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ReadViewAll(t *testing.T) {
	s, st := newTestServer(t)
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Upsert("v1", "k1", json.RawMessage(`1`), base))
	require.NoError(t, st.Upsert("v1", "k2", json.RawMessage(`2`), base))
	require.NoError(t, st.Delete("v1", "k2", base.Add(time.Minute)))

	rec := doRequest(t, s, http.MethodGet, "/views/v1/?asOf="+base.Add(time.Hour).Format(time.RFC3339Nano), "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, _ := decodeEnvelope(t, rec)
	var rows []viewRowResponse
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "k1", rows[0].Key)

	// Before the delete both keys are in the view.
	rec = doRequest(t, s, http.MethodGet, "/views/v1/?asOf="+base.Add(30*time.Second).Format(time.RFC3339Nano), "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, _ = decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Len(t, rows, 2)
}

func TestServer_StatusEmptyHost(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ok, _, _ := decodeEnvelope(t, rec)
	assert.True(t, ok)
}
