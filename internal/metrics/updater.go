package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PoolStats reports acquired and idle database connections
type PoolStats func() (active, idle int32)

// Updater periodically refreshes gauges that are sampled rather than pushed
type Updater struct {
	pool     PoolStats
	jobs     func() int
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewUpdater creates a new metrics updater. Either source may be nil.
func NewUpdater(pool PoolStats, jobs func() int, interval time.Duration) *Updater {
	return &Updater{
		pool:     pool,
		jobs:     jobs,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the update loop until Stop or ctx is done
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update()

	for {
		select {
		case <-ticker.C:
			u.update()
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater. Safe to call more than once.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() { close(u.stopCh) })
}

func (u *Updater) update() {
	if u.pool != nil {
		UpdateDatabaseConnections(u.pool())
	}
	if u.jobs != nil {
		UpdateActiveJobs(u.jobs())
	}
}
