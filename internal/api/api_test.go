package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/config"
	"github.com/ctfops/flagfarm/internal/database"
	"github.com/ctfops/flagfarm/internal/flagstore"
)

func newTestServer(t *testing.T) (*Server, *flagstore.Store, func()) {
	t.Helper()

	t.Setenv("FARM_PASSWORD", "hunter2")
	t.Setenv("FARM_TEAMS", "team-1")
	t.Setenv("FARM_SYSTEM_URL", "http://game.local")
	t.Setenv("FARM_FLAG_FORMAT", "[A-Z0-9]{31}=")
	t.Setenv("FARM_FLAG_LIFETIME", "1")
	t.Setenv("FARM_TICK_DURATION", "10")
	t.Setenv("FARM_SECRET_KEY", "test-secret-key-not-for-production")
	t.Setenv("FARM_DATABASE", ":memory:")

	cfg, err := config.Load(zap.NewNop())
	require.NoError(t, err)

	db, err := database.New(database.Config{Type: "sqlite", URL: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	store := flagstore.New(db.Conn(), db.Postgres(), cfg.Lifetime(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(stopped)
	}()

	s := New(cfg, store, nil, zap.NewNop())

	cleanup := func() {
		cancel()
		<-stopped
		_ = db.Close()
	}
	return s, store, cleanup
}

func TestAuthRejectsWrongPassword(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAcceptsCorrectPasswordAndSubsequentRequestsUseCookie(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()

	cookie := authCookie(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestRejectsUnauthenticated(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/flags/solve", bytes.NewReader([]byte(`"flag"`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestNormalizesAndFiltersEntries(t *testing.T) {
	s, store, cleanup := newTestServer(t)
	defer cleanup()

	goodFlag := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=" // 31 A's + '='
	cookie := authCookie(t, s)

	body := []byte(`[` +
		`"` + goodFlag + `",` +
		`{"flag":"not-a-match"},` +
		`{"nope":"dropped"},` +
		`123` +
		`]`)
	req := httptest.NewRequest(http.MethodPost, "/api/flags/solve", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	pages, err := store.Page(req.Context(), 0, 10)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, goodFlag, pages[0].Flag.Flag)
	assert.Equal(t, "solve", pages[0].Flag.Exploit)
}

func TestIngestDropsEntriesAlreadyExpiredOnArrival(t *testing.T) {
	s, store, cleanup := newTestServer(t)
	defer cleanup()

	goodFlag := "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB="
	cookie := authCookie(t, s)

	staleTS := time.Now().Add(-1 * time.Hour).Unix()
	body, _ := json.Marshal(map[string]any{"flag": goodFlag, "ts": staleTS})
	req := httptest.NewRequest(http.MethodPost, "/api/flags/solve", bytes.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	pages, err := store.Page(req.Context(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestListFlagsRejectsCountOver100(t *testing.T) {
	s, _, cleanup := newTestServer(t)
	defer cleanup()
	cookie := authCookie(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/flags?count=101", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func authCookie(t *testing.T, s *Server) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}
