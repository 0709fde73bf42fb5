package token

import (
	"errors"
	"fmt"
	"time"
)

// ErrReauthRequired means the refresh token itself is expired or revoked.
// No retry can help; the user must re-run the OAuth authorization flow.
var ErrReauthRequired = errors.New("refresh token expired, re-authentication required")

// LockTimeoutError reports that another process held the refresh lock and
// never published a fresh token within the wait bound. Safe to retry
// later; may indicate contention or a stuck peer.
type LockTimeoutError struct {
	ConnectionID string
	Waited       time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for refresh lock on connection %s", e.Waited, e.ConnectionID)
}
