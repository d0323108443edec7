package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestNewStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(NewStructuredLogger(logger))
	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
	})

	t.Run("ok", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/-/live", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, "INFO", line["level"])
		require.Equal(t, "request handled", line["msg"])
		require.Equal(t, "GET", line["method"])
		require.Equal(t, "/-/live", line["path"])
		require.EqualValues(t, http.StatusOK, line["status"])
		require.NotEmpty(t, line["request_id"])
	})

	t.Run("server error", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, "ERROR", line["level"])
		require.EqualValues(t, http.StatusServiceUnavailable, line["status"])
	})
}
