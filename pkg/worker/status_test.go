package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserstep/pkg/types"
)

func TestStatusRouter(t *testing.T) {
	w, _ := newTestWorker(t, Options{})
	_, err := w.Launch(context.Background(), "exec-1", types.GlobalOptions{Device: "Pixel 5"})
	require.NoError(t, err)

	router := StatusRouter(w)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("healthz", func(t *testing.T) {
		rec := get("/healthz")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "fake", body["engine"])
		assert.Equal(t, float64(1), body["sessions"])
	})

	t.Run("sessions", func(t *testing.T) {
		rec := get("/sessions")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Sessions []SessionInfo `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Sessions, 1)
		assert.Equal(t, types.ExecutionID("exec-1"), body.Sessions[0].ExecutionID)
		assert.Equal(t, "ready", body.Sessions[0].State)
		assert.Equal(t, "Pixel 5", body.Sessions[0].Device)
		assert.True(t, body.Sessions[0].Headless)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get("/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "browserstep_sessions_active")
		assert.Contains(t, rec.Body.String(), "browserstep_launches_total")
	})

	t.Run("unknown path", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get("/nope").Code)
	})
}

func TestServeStatusStopsWithContext(t *testing.T) {
	w, _ := newTestWorker(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeStatus(ctx, "127.0.0.1:0", w) }()

	cancel()
	assert.NoError(t, <-done)
}
