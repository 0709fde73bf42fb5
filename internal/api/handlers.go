package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/logging"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/store"
	"github.com/go-chi/chi/v5"
)

// RequestID tags every request with an id for log correlation and
// echoes it back in the response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// ConnectHandler creates an inactive connection and redirects the user to
// the provider's consent screen. The connection id doubles as the OAuth
// state parameter.
func ConnectHandler(connections *store.Connections, client *provider.Client, cfg config.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := connections.Create(userID, cfg.ClientID, cfg.ClientSecret)
		if err != nil {
			log.Printf("⚠️ failed to create connection: %v", err)
			http.Error(w, "failed to create connection", http.StatusInternalServerError)
			return
		}

		authURL := client.OAuthConfig(cfg.ClientID, cfg.ClientSecret).AuthCodeURL(conn.ID)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler completes the OAuth flow: exchanges the code, activates
// the connection and resolves its division.
func CallbackHandler(connections *store.Connections, client *provider.Client, refresh config.RefreshConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if connectionID == "" || code == "" {
			http.Error(w, "state and code are required", http.StatusBadRequest)
			return
		}

		conn, err := connections.Get(connectionID)
		if err != nil {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}

		tokens, err := client.Exchange(r.Context(), conn.ClientID, conn.ClientSecret, code)
		if err != nil {
			log.Printf("⚠️ code exchange failed for connection %s: %v", connectionID, err)
			http.Error(w, "code exchange failed", http.StatusBadGateway)
			return
		}

		refreshExpiry := time.Now().Add(refresh.RefreshTokenValidity).Unix()
		if err := connections.Activate(connectionID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, refreshExpiry); err != nil {
			log.Printf("⚠️ activation failed for connection %s: %v", connectionID, err)
			http.Error(w, "activation failed", http.StatusInternalServerError)
			return
		}

		if division, err := client.CurrentDivision(r.Context(), tokens.AccessToken); err == nil {
			if err := connections.SetDivision(connectionID, division); err != nil {
				log.Printf("⚠️ failed to store division for connection %s: %v", connectionID, err)
			}
		} else {
			log.Printf("⚠️ division lookup failed for connection %s: %v", connectionID, err)
		}

		writeJSON(w, map[string]string{"status": "connected", "connection_id": connectionID})
	}
}

// ConnectionsHandler lists connections without exposing credentials.
func ConnectionsHandler(connections *store.Connections) http.HandlerFunc {
	type connectionView struct {
		ID                    string `json:"id"`
		UserID                string `json:"user_id"`
		Division              int64  `json:"division"`
		IsActive              bool   `json:"is_active"`
		TokenExpiresAt        int64  `json:"token_expires_at"`
		RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at"`
		LastTokenRefreshAt    int64  `json:"last_token_refresh_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := connections.ListActive()
		if err != nil {
			http.Error(w, "failed to list connections", http.StatusInternalServerError)
			return
		}
		views := make([]connectionView, 0, len(conns))
		for _, c := range conns {
			views = append(views, connectionView{
				ID:                    c.ID,
				UserID:                c.UserID,
				Division:              c.Division,
				IsActive:              c.IsActive,
				TokenExpiresAt:        c.TokenExpiresAt,
				RefreshTokenExpiresAt: c.RefreshTokenExpiresAt,
				LastTokenRefreshAt:    c.LastTokenRefreshAt,
			})
		}
		writeJSON(w, views)
	}
}

// RefreshHandler forces a token refresh for one connection.
func RefreshHandler(ensurer TokenEnsurer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := chi.URLParam(r, "id")
		if err := ensurer.EnsureValid(r.Context(), connectionID); err != nil {
			if errors.Is(err, store.ErrConnectionNotFound) {
				http.Error(w, "unknown connection", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

// LimitsHandler reports the merged quota view for one connection.
func LimitsHandler(tracker UsageTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := chi.URLParam(r, "id")
		result, err := tracker.Check(r.Context(), connectionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		writeJSON(w, result)
	}
}

// DisconnectHandler revokes a connection. Irreversible without a new
// OAuth flow.
func DisconnectHandler(connections *store.Connections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := chi.URLParam(r, "id")
		if err := connections.Revoke(connectionID); err != nil {
			if errors.Is(err, store.ErrConnectionNotFound) {
				http.Error(w, "unknown connection", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to revoke connection", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "revoked"})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
