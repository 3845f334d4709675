// Package events publishes structured orchestration events to a Redis
// stream for the external observability pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types emitted by the orchestration core.
const (
	TypeCallPermitted = "call_permitted"
	TypeCallRejected  = "call_rejected"
	TypeCallSucceeded = "call_succeeded"
	TypeCallFailed    = "call_failed"
	TypeStateChange   = "state_change"
	TypeRunStarted    = "run_started"
	TypeRunFinished   = "run_finished"
)

const streamKey = "overseer:events"

// Event is one structured orchestration event.
type Event struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Breaker       string            `json:"circuit_breaker_name,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	RunID         string            `json:"run_id,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Emitter publishes events to a Redis stream.
type Emitter struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewEmitter creates a Redis-backed event emitter.
func NewEmitter(redisURL string, logger *zap.Logger) (*Emitter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Emitter{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the stream. Best effort; a failed publish is
// logged, never surfaced to the orchestration path.
func (e *Emitter) Publish(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("type", ev.Type), zap.Error(err))
	}
}

// Subscribe tails the event stream from now. Cancel the context to stop; the
// returned channel closes when the reader exits.
func (e *Emitter) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := e.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (e *Emitter) Close() error {
	return e.rdb.Close()
}
