package oversync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T, svc *SyncService) (*http.ServeMux, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("handler-secret")
	token, err := jwtAuth.GenerateToken("cashier-1", "till-01", "branch-main", time.Hour)
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewHTTPSyncHandlers(svc, jwtAuth, testLogger()).Register(mux)
	return mux, token
}

func doRequest(mux http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHandlers_RequireAuthentication(t *testing.T) {
	mux, _ := newTestMux(t, newOfflineService(t))
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/sync/push"},
		{http.MethodPost, "/sync/push/one"},
		{http.MethodGet, "/sync/pull"},
		{http.MethodPost, "/sync/ack"},
		{http.MethodPost, "/sync/heartbeat"},
		{http.MethodGet, "/sync/device-status/till-01"},
		{http.MethodGet, "/sync/dashboard"},
		{http.MethodGet, "/sync/dashboard/history"},
		{http.MethodGet, "/sync/dashboard/alerts"},
		{http.MethodGet, "/sync/failures"},
		{http.MethodPost, "/sync/failures/retry"},
	} {
		rec := doRequest(mux, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
		assert.Equal(t, "authentication_failed", decodeError(t, rec).Error)
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))
	rec := doRequest(mux, http.MethodGet, "/sync/push", token, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlePush_MalformedBody(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))
	rec := doRequest(mux, http.MethodPost, "/sync/push", token, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Error)
}

func TestHandlePush_EmptyBatch(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))
	rec := doRequest(mux, http.MethodPost, "/sync/push", token, PushRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)
}

func TestHandlePush_BatchTooLarge(t *testing.T) {
	svc := newOfflineService(t)
	svc.config.MaxPushBatchSize = 2
	mux, token := newTestMux(t, svc)

	req := PushRequest{Items: []PushItem{
		pushItem("category", OpCreate, "c1", `{}`),
		pushItem("category", OpCreate, "c2", `{}`),
		pushItem("category", OpCreate, "c3", `{}`),
	}}
	rec := doRequest(mux, http.MethodPost, "/sync/push", token, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "batch_too_large", decodeError(t, rec).Error)
}

func TestHandlePull_BadParameters(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))

	rec := doRequest(mux, http.MethodGet, "/sync/pull?since=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/sync/pull?limit=0", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/sync/pull?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAck_ValidatesBody(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))

	rec := doRequest(mux, http.MethodPost, "/sync/ack", token, AckRequest{DeviceID: "till-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(decodeError(t, rec).Message, "entityIds"))

	rec = doRequest(mux, http.MethodPost, "/sync/ack", token, AckRequest{DeviceID: "till-99", EntityIDs: []string{"s1"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "device_mismatch", decodeError(t, rec).Error)
}

func TestHandleHeartbeat_RejectsOtherDevice(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))

	rec := doRequest(mux, http.MethodPost, "/sync/heartbeat", token, HeartbeatRequest{DeviceID: "till-02"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/sync/heartbeat", token, HeartbeatRequest{DeviceID: "till-01", PendingItems: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRetryFailure_RequiresID(t *testing.T) {
	mux, token := newTestMux(t, newOfflineService(t))
	rec := doRequest(mux, http.MethodPost, "/sync/failures/retry", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
