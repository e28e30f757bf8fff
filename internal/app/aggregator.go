package app

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Aggregator applies a completed attempt's aggregates exactly once. The store
// guards the unit transactionally (claim the outbox row, fold the profile,
// engagement, and assignment updates, stamp it applied), so the three callers
// — inline finalize, the queue worker, and the reconciliation sweep — are all
// safe to race.
type Aggregator struct {
	store AggregationStore
}

func NewAggregator(store AggregationStore) *Aggregator {
	return &Aggregator{store: store}
}

// Apply folds the attempt's aggregates in. Returns false when the job was
// already applied (or never existed), which callers treat as success.
func (a *Aggregator) Apply(ctx context.Context, attemptID string) (bool, error) {
	applied, err := a.store.ApplyAggregation(ctx, attemptID)
	if err != nil {
		return false, fmt.Errorf("apply aggregation for attempt %s: %w", attemptID, err)
	}
	return applied, nil
}

// Sweep reapplies outbox rows that have sat unapplied longer than lag. It
// covers the crash window between the completion commit and the retry
// enqueue, and any environment running without a queue.
func (a *Aggregator) Sweep(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	jobs, err := a.store.PendingAggregations(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending aggregations: %w", err)
	}

	applied := 0
	for _, job := range jobs {
		ok, err := a.Apply(ctx, job.AttemptID)
		if err != nil {
			log.Printf("[sweep] attempt %s: %v", job.AttemptID, err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
