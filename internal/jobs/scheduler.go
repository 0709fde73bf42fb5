// Package jobs runs the scheduled background work: the refresh-token
// expiry warning sweep.
package jobs

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler wires background jobs onto a cron runner.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Start registers the expiry sweep on the given schedule and begins
// running it.
func (s *Scheduler) Start(spec string, sweep *ExpirySweep) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if err := sweep.Run(); err != nil {
			log.Printf("⚠️ expiry sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Println("🕐 Job scheduler started")
	return nil
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("🕐 Job scheduler stopped")
}
