package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepTimeout = 30 * time.Second

// SessionSweeper is the part of the session registry the job needs.
type SessionSweeper interface {
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// SweepJob periodically deletes registry records of sessions that have been
// closed for longer than the retention period.
type SweepJob struct {
	sessions  SessionSweeper
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
}

func NewSweepJob(sessions SessionSweeper, retention, interval time.Duration) *SweepJob {
	return &SweepJob{
		sessions:  sessions,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	count, err := j.sessions.DeleteClosedBefore(ctx, j.now().Add(-j.retention))
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep closed sessions")
		return 0
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("swept closed sessions")
	}
	return count
}
