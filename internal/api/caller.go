// Package api is the surface actions go through to reach the external
// platform: token validity, quota gating and usage feedback wrap every
// outbound request.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/finbridge/exactlink/internal/logging"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/ratelimit"
	"github.com/finbridge/exactlink/internal/store"
)

// TokenEnsurer guarantees a connection holds a usable access token.
// Satisfied by token.Coordinator; injectable so alternate refresh
// policies can be substituted without touching the call path.
type TokenEnsurer interface {
	EnsureValid(ctx context.Context, connectionID string) error
}

// UsageTracker gates calls on quota and ingests observed usage.
// Satisfied by ratelimit.Tracker.
type UsageTracker interface {
	Check(ctx context.Context, connectionID string) (*ratelimit.CheckResult, error)
	RecordUsage(ctx context.Context, connectionID string, snapshot *provider.QuotaSnapshot) (*ratelimit.TrackResult, error)
}

// Caller executes one authenticated request against the platform:
// ensure token, check quota, call, feed the response headers back.
type Caller struct {
	connections *store.Connections
	ensurer     TokenEnsurer
	tracker     UsageTracker
	httpClient  *http.Client
}

func NewCaller(connections *store.Connections, ensurer TokenEnsurer, tracker UsageTracker) *Caller {
	return &Caller{
		connections: connections,
		ensurer:     ensurer,
		tracker:     tracker,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Do performs req on behalf of the connection. The caller owns the
// response body.
func (c *Caller) Do(ctx context.Context, connectionID string, req *http.Request) (*http.Response, error) {
	ctx = logging.WithConnectionID(ctx, connectionID)

	if err := c.ensurer.EnsureValid(ctx, connectionID); err != nil {
		return nil, fmt.Errorf("ensure token for connection %s: %w", connectionID, err)
	}
	if _, err := c.tracker.Check(ctx, connectionID); err != nil {
		return nil, fmt.Errorf("rate limit check for connection %s: %w", connectionID, err)
	}

	conn, err := c.connections.Get(connectionID)
	if err != nil {
		return nil, err
	}

	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call for connection %s: %w", connectionID, err)
	}

	if _, trackErr := c.tracker.RecordUsage(ctx, connectionID, provider.ParseQuotaHeaders(resp.Header)); trackErr != nil {
		// Usage feedback is best effort; the response is still good.
		log.Printf("⚠️ failed to record usage for connection %s: %v", connectionID, trackErr)
	}
	if touchErr := c.connections.Touch(connectionID); touchErr != nil {
		log.Printf("⚠️ failed to touch connection %s: %v", connectionID, touchErr)
	}

	return resp, nil
}
