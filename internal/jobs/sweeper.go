package jobs

import (
	"context"
	"log"
	"time"

	"quiz-attempt-service/internal/app"
	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 100

// Sweeper periodically reapplies aggregation outbox rows that stayed
// unapplied longer than the configured lag. It covers the crash window
// between the completion commit and the retry enqueue, and is the only retry
// path when the service runs without a queue.
type Sweeper struct {
	aggregator *app.Aggregator
	cron       *cron.Cron
	every      time.Duration
	lag        time.Duration
}

func NewSweeper(aggregator *app.Aggregator, every, lag time.Duration) *Sweeper {
	if every <= 0 {
		every = time.Minute
	}
	if lag <= 0 {
		lag = 2 * time.Minute
	}
	return &Sweeper{
		aggregator: aggregator,
		cron:       cron.New(),
		every:      every,
		lag:        lag,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc("@every "+s.every.String(), s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[sweep] reconciliation sweep scheduled every %s (lag %s)", s.every, s.lag)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.every)
	defer cancel()

	applied, err := s.aggregator.Sweep(ctx, time.Now().Add(-s.lag), sweepBatchSize)
	if err != nil {
		log.Printf("[sweep] sweep failed: %v", err)
		return
	}
	if applied > 0 {
		log.Printf("[sweep] reapplied %d stalled aggregation(s)", applied)
	}
}
