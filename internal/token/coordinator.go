// Package token guarantees that an access-token refresh happens at most
// effectively once per staleness window, no matter how many processes
// ask at the same time.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/finbridge/exactlink/internal/lock"
	"github.com/finbridge/exactlink/internal/notify"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/retry"
	"github.com/finbridge/exactlink/internal/store"
)

// RefreshClient performs the actual token exchange against the provider.
type RefreshClient interface {
	Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*provider.TokenSet, error)
}

// Coordinator serializes refreshes across processes through the shared
// lock and double-checks the persisted state after acquiring it, so at
// most one refresh wins per staleness window and every other caller
// observes its result.
type Coordinator struct {
	connections *store.Connections
	locker      *lock.Locker
	client      RefreshClient
	hub         *notify.Hub
	clock       clock.Clock
	cfg         config.RefreshConfig
}

func NewCoordinator(connections *store.Connections, locker *lock.Locker, client RefreshClient, hub *notify.Hub, clk clock.Clock, cfg config.RefreshConfig) *Coordinator {
	return &Coordinator{
		connections: connections,
		locker:      locker,
		client:      client,
		hub:         hub,
		clock:       clk,
		cfg:         cfg,
	}
}

// EnsureValid returns once the connection holds an access token with at
// least the configured runway. It refreshes proactively, never reactively
// on hard expiry: the token's whole lifetime is ten minutes and network
// latency would otherwise kill requests mid-flight.
func (c *Coordinator) EnsureValid(ctx context.Context, connectionID string) error {
	conn, err := c.connections.Get(connectionID)
	if err != nil {
		return err
	}
	if c.isFresh(conn) {
		return nil
	}

	guard, acquired := c.locker.TryAcquire(connectionID)
	if !acquired {
		// Another process is refreshing. Poll the store until its
		// result lands or the bound is hit; never refresh ourselves.
		return c.awaitPeerRefresh(ctx, connectionID)
	}
	defer guard.Release()

	// Double-check: someone may have refreshed between our staleness
	// check and the lock acquisition.
	conn, err = c.connections.Get(connectionID)
	if err != nil {
		return err
	}
	if c.isFresh(conn) {
		return nil
	}

	now := c.clock.Now()
	if conn.RefreshTokenExpiresAt != 0 && conn.RefreshTokenExpiresAt <= now.Unix() {
		// The long-lived credential is gone. Revoke so callers stop
		// hammering a dead connection; only a new OAuth flow recovers.
		if revokeErr := c.connections.Revoke(connectionID); revokeErr != nil {
			log.Printf("⚠️ failed to revoke connection %s: %v", connectionID, revokeErr)
		}
		err := fmt.Errorf("connection %s: %w", connectionID, ErrReauthRequired)
		c.publishFailure(connectionID, err)
		return err
	}

	tokens, err := c.refreshWithRetry(ctx, conn)
	if err != nil {
		c.publishFailure(connectionID, err)
		return err
	}

	refreshExpiry := now.Add(c.cfg.RefreshTokenValidity).Unix()
	if err := c.connections.SaveRefreshedTokens(connectionID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, refreshExpiry); err != nil {
		c.publishFailure(connectionID, err)
		return err
	}

	c.hub.Publish(notify.Event{
		Type:         notify.EventTokenRefreshed,
		ConnectionID: connectionID,
		Data: map[string]any{
			"token_expires_at":         tokens.ExpiresAt,
			"refresh_token_expires_at": refreshExpiry,
		},
	})
	return nil
}

// isFresh applies the staleness rule: a token is stale when its expiry is
// absent or under StaleThreshold away.
func (c *Coordinator) isFresh(conn *models.Connection) bool {
	if conn.TokenExpiresAt == 0 {
		return false
	}
	runway := conn.TokenExpiresAt - c.clock.Now().Unix()
	return runway >= int64(c.cfg.StaleThreshold.Seconds())
}

// awaitPeerRefresh re-reads the connection at the poll interval until the
// lock holder's refresh lands. Exceeding the bound is a distinct,
// reportable failure, not a silent retry forever.
func (c *Coordinator) awaitPeerRefresh(ctx context.Context, connectionID string) error {
	deadline := c.clock.Now().Add(c.cfg.LockWait)
	for {
		if err := c.clock.Sleep(ctx, c.cfg.LockPoll); err != nil {
			return err
		}
		conn, err := c.connections.Get(connectionID)
		if err != nil {
			return err
		}
		if c.isFresh(conn) {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return &LockTimeoutError{ConnectionID: connectionID, Waited: c.cfg.LockWait}
		}
	}
}

// refreshWithRetry calls the provider under the backoff policy, aborting
// immediately on credential-fatal or malformed responses since retrying
// those cannot succeed.
func (c *Coordinator) refreshWithRetry(ctx context.Context, conn *models.Connection) (*provider.TokenSet, error) {
	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseBackoff,
		Multiplier:  2,
	}

	var tokens *provider.TokenSet
	err := retry.Do(ctx, c.clock, policy, "token refresh "+conn.ID, func() error {
		result, err := c.client.Refresh(ctx, conn.ClientID, conn.ClientSecret, conn.RefreshToken)
		if err != nil {
			if provider.IsPermanentAuthError(err) {
				return retry.Permanent(fmt.Errorf("%w: %v", ErrReauthRequired, err))
			}
			if errors.Is(err, provider.ErrMalformedTokenResponse) {
				return retry.Permanent(err)
			}
			return err
		}
		tokens = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (c *Coordinator) publishFailure(connectionID string, cause error) {
	c.hub.Publish(notify.Event{
		Type:         notify.EventTokenRefreshFailed,
		ConnectionID: connectionID,
		Data:         map[string]any{"error": cause.Error()},
	})
}
