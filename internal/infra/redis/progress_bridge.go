package redis

import (
	"context"
	"encoding/json"
	"log"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const progressChannel = "quiz:attempt:completed"

// ProgressBridge fans completion events out across service instances through
// Redis pub/sub. Publish sends to the shared channel; Start subscribes and
// feeds every received event into the local broker, so websocket clients see
// completions no matter which instance served the finalize call.
type ProgressBridge struct {
	client *redis.Client
	broker *app.ProgressBroker
}

func NewProgressBridge(client *redis.Client, broker *app.ProgressBroker) *ProgressBridge {
	return &ProgressBridge{client: client, broker: broker}
}

// Publish sends the event to the shared channel. On Redis failure it degrades
// to local-only delivery; the event is display-only and never authoritative.
func (b *ProgressBridge) Publish(event domain.AttemptCompleted) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal completion event: %v", err)
		return
	}
	if err := b.client.Publish(context.Background(), progressChannel, payload).Err(); err != nil {
		log.Printf("publish completion event, degrading to local delivery: %v", err)
		b.broker.Publish(event)
	}
}

// Start subscribes to the shared channel and pumps events into the local
// broker until ctx is canceled. It returns once the subscription is active,
// so callers can publish immediately after.
func (b *ProgressBridge) Start(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, progressChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.AttemptCompleted
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("decode completion event: %v", err)
					continue
				}
				b.broker.Publish(event)
			}
		}
	}()
	return nil
}
