package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/ratelimit"
	"github.com/finbridge/exactlink/internal/secrets"
	"github.com/finbridge/exactlink/internal/store"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func newHandlerConnections(t *testing.T) *store.Connections {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Connection{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	cipher, err := secrets.NewCipher(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return store.NewConnections(db, cipher, clock.Real{})
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("expected the caller's id echoed back, got %q", got)
	}
}

func TestConnectHandlerRedirectsToConsent(t *testing.T) {
	conns := newHandlerConnections(t)
	client := provider.NewClient(provider.Endpoints{
		AuthURL:     "https://provider.test/oauth2/auth",
		RedirectURL: "https://app.test/oauth/callback",
	})
	handler := ConnectHandler(conns, client, config.ProviderConfig{ClientID: "cid", ClientSecret: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/connect?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Host != "provider.test" {
		t.Fatalf("expected redirect to the provider, got %s", loc)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect must carry the connection id as state")
	}
	if _, err := conns.Get(state); err != nil {
		t.Fatalf("state must reference a stored connection: %v", err)
	}
}

func TestConnectHandlerRequiresUserID(t *testing.T) {
	conns := newHandlerConnections(t)
	handler := ConnectHandler(conns, provider.NewClient(provider.Endpoints{}), config.ProviderConfig{})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/connect", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallbackHandlerActivatesConnection(t *testing.T) {
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/token"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"first-access","refresh_token":"first-refresh","token_type":"bearer","expires_in":600}`))
		case strings.HasSuffix(r.URL.Path, "/current/Me"):
			w.Write([]byte(`{"d":{"results":[{"CurrentDivision":987654}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer providerSrv.Close()

	conns := newHandlerConnections(t)
	client := provider.NewClient(provider.Endpoints{
		TokenURL:   providerSrv.URL + "/token",
		APIBaseURL: providerSrv.URL,
	})
	conn, err := conns.Create("user-1", "cid", "secret")
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	refreshCfg := config.RefreshConfig{RefreshTokenValidity: 30 * 24 * time.Hour}
	handler := CallbackHandler(conns, client, refreshCfg)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+conn.ID+"&code=auth-code", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored, err := conns.Get(conn.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if !stored.IsActive || stored.AccessToken != "first-access" || stored.RefreshToken != "first-refresh" {
		t.Fatalf("connection not activated as expected: %+v", stored)
	}
	if stored.Division != 987654 {
		t.Fatalf("expected division stored, got %d", stored.Division)
	}
	wantRefreshExpiry := time.Now().Add(30 * 24 * time.Hour).Unix()
	if stored.RefreshTokenExpiresAt < wantRefreshExpiry-10 || stored.RefreshTokenExpiresAt > wantRefreshExpiry+10 {
		t.Fatalf("expected refresh expiry ~now+30d, got %d", stored.RefreshTokenExpiresAt)
	}
}

func TestConnectionsHandlerHidesCredentials(t *testing.T) {
	conns := newHandlerConnections(t)
	conn, _ := conns.Create("user-1", "cid", "secret")
	now := time.Now()
	if err := conns.Activate(conn.ID, "super-secret-access", "super-secret-refresh",
		now.Add(600*time.Second).Unix(), now.Add(30*24*time.Hour).Unix()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	rec := httptest.NewRecorder()
	ConnectionsHandler(conns)(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if strings.Contains(body, "super-secret") {
		t.Fatalf("credentials leaked into the listing: %s", body)
	}
	var views []map[string]any
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("parse listing: %v", err)
	}
	if len(views) != 1 || views[0]["id"] != conn.ID {
		t.Fatalf("unexpected listing: %v", views)
	}
}

func TestDisconnectHandler(t *testing.T) {
	conns := newHandlerConnections(t)
	conn, _ := conns.Create("user-1", "cid", "secret")
	now := time.Now()
	if err := conns.Activate(conn.ID, "access", "refresh",
		now.Add(600*time.Second).Unix(), now.Add(30*24*time.Hour).Unix()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	router := chi.NewRouter()
	router.Delete("/api/connections/{id}", DisconnectHandler(conns))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/connections/"+conn.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stored, _ := conns.Get(conn.ID)
	if stored.IsActive || stored.RefreshToken != "" {
		t.Fatalf("expected a revoked connection, got %+v", stored)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/connections/no-such-id", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown connection, got %d", rec.Code)
	}
}

func TestRefreshHandlerMapsUnknownConnection(t *testing.T) {
	router := chi.NewRouter()
	router.Post("/api/connections/{id}/refresh", RefreshHandler(&fakeEnsurer{err: store.ErrConnectionNotFound}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/connections/no-such-id/refresh", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLimitsHandlerReportsQuotaError(t *testing.T) {
	quotaErr := &ratelimit.QuotaExceededError{Window: ratelimit.WindowDaily, Limit: 5000, SecondsUntilReset: 3600}
	router := chi.NewRouter()
	router.Get("/api/connections/{id}/limits", LimitsHandler(&fakeTracker{checkErr: quotaErr}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connections/conn-1/limits", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
