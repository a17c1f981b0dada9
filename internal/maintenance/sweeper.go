// Package maintenance holds the background upkeep tasks of the server,
// currently the job retention sweeper.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autosage/autosage/internal/jobs"
	"github.com/autosage/autosage/internal/observability"
)

// Sweeper prunes terminal jobs older than a retention window on a cron
// schedule. An empty schedule disables it entirely.
type Sweeper struct {
	store  *jobs.Store
	maxAge time.Duration
	log    *observability.Logger
	cron   *cron.Cron
}

// NewSweeper validates the schedule up front so a bad expression fails at
// startup rather than silently never firing.
func NewSweeper(store *jobs.Store, schedule string, maxAge time.Duration, log *observability.Logger) (*Sweeper, error) {
	if log == nil {
		log = observability.NewNopLogger()
	}
	s := &Sweeper{store: store, maxAge: maxAge, log: log}
	if schedule == "" {
		return s, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	s.cron = c
	return s, nil
}

// Start begins scheduling. A disabled sweeper is a no-op.
func (s *Sweeper) Start() {
	if s.cron == nil {
		return
	}
	s.cron.Start()
	s.log.Info(context.Background(), "retention sweeper started", "max_age", s.maxAge.String())
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	removed := s.store.Prune(cutoff)
	if removed > 0 {
		s.log.Info(context.Background(), "pruned expired jobs", "removed", removed)
	}
}
