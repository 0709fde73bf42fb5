package jobs

import (
	"log"
	"sort"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/notify"
	"github.com/finbridge/exactlink/internal/store"
)

// metadataLastWarning is where the sweep records the warning it emitted,
// so upstream callers can implement their own dedup.
const metadataLastWarning = "last_expiry_warning"

// ExpirySweep walks active connections and warns when a refresh token is
// approaching its hard expiry. One warning per connection per sweep, at
// the tightest threshold crossed.
type ExpirySweep struct {
	connections *store.Connections
	hub         *notify.Hub
	clock       clock.Clock
	windowsDays []int
}

func NewExpirySweep(connections *store.Connections, hub *notify.Hub, clk clock.Clock, windowsDays []int) *ExpirySweep {
	windows := make([]int, len(windowsDays))
	copy(windows, windowsDays)
	sort.Ints(windows)
	return &ExpirySweep{
		connections: connections,
		hub:         hub,
		clock:       clk,
		windowsDays: windows,
	}
}

// Run performs one sweep over all active connections.
func (s *ExpirySweep) Run() error {
	conns, err := s.connections.ListActive()
	if err != nil {
		return err
	}

	now := s.clock.Now()
	warned := 0
	for _, conn := range conns {
		if conn.RefreshTokenExpiresAt == 0 {
			continue
		}
		daysLeft := time.Unix(conn.RefreshTokenExpiresAt, 0).Sub(now).Hours() / 24
		window, crossed := s.tightestWindow(daysLeft)
		if !crossed {
			continue
		}

		s.hub.Publish(notify.Event{
			Type:         notify.EventTokenExpiryWarning,
			ConnectionID: conn.ID,
			Data: map[string]any{
				"days_left":   int(daysLeft),
				"window_days": window,
			},
		})
		if err := s.connections.SetMetadata(conn.ID, metadataLastWarning, map[string]any{
			"window_days": window,
			"warned_at":   now.Unix(),
		}); err != nil {
			log.Printf("⚠️ failed to record expiry warning on connection %s: %v", conn.ID, err)
		}
		warned++
	}

	if warned > 0 {
		log.Printf("🔔 expiry sweep warned on %d of %d active connections", warned, len(conns))
	}
	return nil
}

// tightestWindow returns the smallest configured window the remaining
// lifetime falls inside.
func (s *ExpirySweep) tightestWindow(daysLeft float64) (int, bool) {
	for _, w := range s.windowsDays {
		if daysLeft <= float64(w) {
			return w, true
		}
	}
	return 0, false
}
