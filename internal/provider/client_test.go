package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefreshParsesRotatedTokens(t *testing.T) {
	var gotGrant, gotRefresh string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotGrant = r.PostFormValue("grant_type")
		gotRefresh = r.PostFormValue("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"rotated-refresh","expires_in":600}`))
	}))
	defer server.Close()

	client := NewClient(Endpoints{TokenURL: server.URL})
	before := time.Now().Unix()
	tokens, err := client.Refresh(context.Background(), "cid", "secret", "old-refresh")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if gotGrant != "refresh_token" || gotRefresh != "old-refresh" {
		t.Fatalf("unexpected form: grant=%q refresh=%q", gotGrant, gotRefresh)
	}
	if tokens.AccessToken != "new-access" || tokens.RefreshToken != "rotated-refresh" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if tokens.ExpiresAt < before+595 || tokens.ExpiresAt > before+605 {
		t.Fatalf("expected expiry ~now+600, got %d (now=%d)", tokens.ExpiresAt, before)
	}
}

func TestRefreshRejectsMalformedResponse(t *testing.T) {
	cases := map[string]string{
		"missing access token":  `{"refresh_token":"r","expires_in":600}`,
		"missing refresh token": `{"access_token":"a","expires_in":600}`,
		"missing expiry":        `{"access_token":"a","refresh_token":"r"}`,
		"not json":              `<html>oops</html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			client := NewClient(Endpoints{TokenURL: server.URL})
			_, err := client.Refresh(context.Background(), "cid", "secret", "rt")
			if !errors.Is(err, ErrMalformedTokenResponse) {
				t.Fatalf("expected ErrMalformedTokenResponse, got %v", err)
			}
		})
	}
}

func TestRefreshSurfacesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(Endpoints{TokenURL: server.URL})
	_, err := client.Refresh(context.Background(), "cid", "secret", "rt")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !IsPermanentAuthError(err) {
		t.Fatalf("invalid_grant should classify as permanent, got %v", err)
	}
}

func TestIsPermanentAuthError(t *testing.T) {
	tests := []struct {
		name      string
		errText   string
		permanent bool
	}{
		{name: "invalid grant", errText: `refresh failed with status 400: {"error":"invalid_grant"}`, permanent: true},
		{name: "revoked", errText: "token has been expired or revoked", permanent: true},
		{name: "timeout", errText: "context deadline exceeded", permanent: false},
		{name: "server error", errText: "refresh failed with status 503: unavailable", permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentAuthError(errors.New(tt.errText)); got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

func TestCurrentDivision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"d":{"results":[{"CurrentDivision":123456}]}}`))
	}))
	defer server.Close()

	client := NewClient(Endpoints{APIBaseURL: server.URL})
	division, err := client.CurrentDivision(context.Background(), "tok")
	if err != nil {
		t.Fatalf("current division: %v", err)
	}
	if division != 123456 {
		t.Fatalf("expected 123456, got %d", division)
	}
}
