package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isna13/BarManagerPro-sub001/internal/retail"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

func newTestHandler(t *testing.T, logs io.Writer) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(logs, nil))
	svc, err := oversync.NewSyncService(nil, oversync.DefaultServiceConfig("server-test", retail.RegisteredEntities(nil)), logger)
	require.NoError(t, err)
	return NewHandler(oversync.NewHTTPSyncHandlers(svc, oversync.NewJWTAuth("secret"), logger), true, logger)
}

func TestHealthIsPublic(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t, io.Discard))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"healthy","service":"overpos-server"}`, string(body))
}

func TestSyncRoutesRequireToken(t *testing.T) {
	var logs bytes.Buffer
	ts := httptest.NewServer(newTestHandler(t, &logs))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sync/pull")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sync/push", bytes.NewBufferString(`{"items":[]}`))
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Contains(t, logs.String(), "HTTP Response")
	assert.Contains(t, logs.String(), "status=401")
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t, io.Discard))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sync/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
