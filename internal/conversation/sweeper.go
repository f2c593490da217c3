package conversation

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"
)

// sweeper runs a purge function on a cron schedule.
type sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// startSweeper schedules purge. An empty schedule disables sweeping and
// returns a nil sweeper.
func startSweeper(schedule, component string, purge func() (int, error)) (*sweeper, error) {
	if schedule == "" {
		return nil, nil
	}

	logger := slog.Default().With("component", component)

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		removed, err := purge()
		if err != nil {
			logger.Error("sweep failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Debug("sweep removed expired entries", "count", removed)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	logger.Info("expiry sweeper started", "schedule", schedule)

	return &sweeper{cron: c, logger: logger, running: true}, nil
}

func (s *sweeper) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("expiry sweeper stopped")
}

func sortSessions(sessions []Session) {
	slices.SortFunc(sessions, func(a, b Session) int {
		if c := cmp.Compare(b.LastTimestamp, a.LastTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
