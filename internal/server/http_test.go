package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pvrd/internal/config"
)

func newAPI(t *testing.T, cfg config.ServerConfig) http.Handler {
	t.Helper()
	return NewHTTPServer(cfg, newTestCore(t)).routes()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIRecordingLifecycle(t *testing.T) {
	h := newAPI(t, config.ServerConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/recordings", `{
		"title": "Evening News",
		"channel": "SE1",
		"start": "2026-03-10T20:15:00Z",
		"end":   "2026-03-10T21:45:00Z",
		"profiles": ["default"]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["id"])

	rec = doJSON(t, h, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []recordingJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Evening News", list[0].Title)
	assert.Equal(t, "SE1", list[0].Channel)

	rec = doJSON(t, h, http.MethodDelete, "/api/recordings/"+created["id"], "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/recordings/"+created["id"], "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIAddRejectsBadEntry(t *testing.T) {
	h := newAPI(t, config.ServerConfig{})

	rec := doJSON(t, h, http.MethodPost, "/api/recordings", `{
		"title": "", "channel": "SE1",
		"start": "2026-03-10T20:00:00Z", "end": "2026-03-10T21:00:00Z"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/recordings", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRecurringConflictsReported(t *testing.T) {
	h := newAPI(t, config.ServerConfig{})

	body := `{
		"title": "News", "channel": "SE1",
		"start": "2026-03-10T20:00:00Z", "end": "2026-03-10T20:30:00Z",
		"repeat": "daily", "count": 3
	}`
	rec := doJSON(t, h, http.MethodPost, "/api/recordings", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out struct {
		IDs       []string `json:"ids"`
		Conflicts int      `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.IDs, 3)
	assert.Zero(t, out.Conflicts)

	// The second device absorbs one repeat, the third conflicts fully.
	rec = doJSON(t, h, http.MethodPost, "/api/recordings", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/recordings", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.IDs)
	assert.Equal(t, 3, out.Conflicts)
}

func TestAPISlaveModeRejectsMutations(t *testing.T) {
	srv := NewHTTPServer(config.ServerConfig{}, newTestCore(t))
	srv.core.Slave = true
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/recordings", `{"title":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/recordings/abc", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIAuth(t *testing.T) {
	cfg := config.ServerConfig{
		RequireWebPassword: true,
		WebUser:            "admin",
		WebPassword:        "secret",
		WebLoginTimeout:    time.Hour,
	}
	h := newAPI(t, cfg)

	// Version stays open, everything else needs a session cookie.
	rec := doJSON(t, h, http.MethodGet, "/api/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/recordings", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/login", `{"user":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/login", `{"user":"admin","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/recordings", nil)
	req.AddCookie(cookies[0])
	authed := httptest.NewRecorder()
	h.ServeHTTP(authed, req)
	assert.Equal(t, http.StatusOK, authed.Code)
}

func TestAPIStatus(t *testing.T) {
	h := newAPI(t, config.ServerConfig{})

	rec := doJSON(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "master", status["mode"])
	assert.EqualValues(t, 0, status["catalog_entries"])
}
