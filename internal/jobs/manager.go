package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeApplyAggregation = "aggregation:apply"

// AggregationPayload is the task body for an aggregation retry.
type AggregationPayload struct {
	AttemptID string `json:"attemptId"`
}

// Manager owns the durable retry queue for aggregation jobs. Tasks are keyed
// by attempt ID so a retried enqueue deduplicates, and the handler goes
// through Aggregator.Apply, whose outbox claim makes re-delivery harmless.
type Manager struct {
	client     *asynq.Client
	server     *asynq.Server
	mux        *asynq.ServeMux
	aggregator *app.Aggregator
	maxRetry   int
}

// Options tunes the queue worker.
type Options struct {
	Concurrency int
	MaxRetry    int
}

func NewManager(redisOpt asynq.RedisClientOpt, aggregator *app.Aggregator, opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}

	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		Queues: map[string]int{
			"aggregation": 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("[aggregation] task failed: type=%s error=%v", task.Type(), err)
		}),
	})

	m := &Manager{
		client:     client,
		server:     server,
		mux:        asynq.NewServeMux(),
		aggregator: aggregator,
		maxRetry:   opts.MaxRetry,
	}
	m.mux.HandleFunc(TypeApplyAggregation, m.handleApplyAggregation)
	return m
}

// Enqueue schedules a durable retry of the attempt's aggregation.
func (m *Manager) Enqueue(ctx context.Context, attemptID string) error {
	payload, err := json.Marshal(AggregationPayload{AttemptID: attemptID})
	if err != nil {
		return fmt.Errorf("marshal aggregation payload: %w", err)
	}

	task := asynq.NewTask(TypeApplyAggregation, payload)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue("aggregation"),
		asynq.TaskID(attemptID),
		asynq.MaxRetry(m.maxRetry),
		asynq.Timeout(30*time.Second),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Already queued for this attempt; the existing task covers it.
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue aggregation for attempt %s: %w", attemptID, err)
	}
	return nil
}

func (m *Manager) handleApplyAggregation(ctx context.Context, task *asynq.Task) error {
	var payload AggregationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode aggregation payload: %v: %w", err, asynq.SkipRetry)
	}

	applied, err := m.aggregator.Apply(ctx, payload.AttemptID)
	if errors.Is(err, domain.ErrAggregationJobNotFound) {
		return fmt.Errorf("attempt %s has no aggregation job: %w", payload.AttemptID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if applied {
		log.Printf("[aggregation] applied attempt %s via retry queue", payload.AttemptID)
	}
	return nil
}

// Start runs the worker until Stop is called.
func (m *Manager) Start() error {
	log.Printf("[aggregation] starting retry queue worker")
	return m.server.Run(m.mux)
}

// Stop drains and shuts the worker down.
func (m *Manager) Stop() {
	log.Printf("[aggregation] stopping retry queue")
	m.server.Stop()
	m.server.Shutdown()
	_ = m.client.Close()
}
