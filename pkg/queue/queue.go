// Package queue implements the at-least-once job work queue on top of Redis
// Streams consumer groups, with one stream per job kind so per-kind
// concurrency caps are enforced by how many consumers subscribe.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

const (
	consumerGroup  = "orchestrator"
	streamPrefix   = "mediaforge:jobs:"
	claimIdleAfter = 30 * time.Second
)

// Message is one enqueued unit of work, carrying the execution/job
// identifiers a Handler needs to load full state from the Store.
type Message struct {
	ExecutionID string `json:"executionId"`
	JobRecordID string `json:"jobRecordId"`
	// DeliveryID is the underlying stream entry id, used to Ack on success.
	DeliveryID string `json:"-"`
}

// Handler processes one dequeued message. Returning an error leaves the
// message unacked so it is redelivered to another consumer after
// claimIdleAfter elapses.
type Handler func(ctx context.Context, msg Message) error

// Queue is the Redis Streams-backed work queue.
type Queue struct {
	client *redis.Client
}

// New wraps an already-configured redis.Client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Ping verifies the underlying Redis connection is reachable, used by the
// HTTP ingress readiness probe.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func streamName(jobKind string) string {
	return streamPrefix + jobKind
}

// Enqueue appends a job message to the jobKind stream, creating the
// consumer group on first use.
func (q *Queue) Enqueue(ctx context.Context, jobKind string, msg Message) error {
	stream := streamName(jobKind)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling queue message")
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": payload},
	}).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "enqueuing job message")
	}
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "creating consumer group")
	}
	return nil
}

// Subscribe starts concurrency consumer goroutines reading from jobKind's
// stream, each running handler on every delivered message. Subscribe blocks
// until ctx is cancelled.
func (q *Queue) Subscribe(ctx context.Context, jobKind string, concurrency int, handler Handler) error {
	stream := streamName(jobKind)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		consumerName := consumerNameFor(jobKind, i)
		go func() {
			q.consumeLoop(ctx, stream, consumerName, handler)
			done <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
	return nil
}

func consumerNameFor(jobKind string, index int) string {
	return jobKind + "-worker-" + time.Now().Format("150405") + "-" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func (q *Queue) consumeLoop(ctx context.Context, stream, consumerName string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.reclaimStale(ctx, stream, consumerName, handler)

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				q.dispatch(ctx, stream, entry, handler)
			}
		}
	}
}

// dispatch decodes entry and runs handler on it, acking on success. A
// malformed entry is acked immediately since redelivery can never fix it; a
// handler error leaves the entry unacked so it is reclaimed after
// claimIdleAfter.
func (q *Queue) dispatch(ctx context.Context, stream string, entry redis.XMessage, handler Handler) {
	msg, err := decodeMessage(entry)
	if err != nil {
		q.client.XAck(ctx, stream, consumerGroup, entry.ID)
		return
	}
	if err := handler(ctx, msg); err != nil {
		return
	}
	q.client.XAck(ctx, stream, consumerGroup, entry.ID)
}

// reclaimStale takes over pending entries idle longer than claimIdleAfter
// and dispatches them through handler, recovering work left behind by a
// crashed consumer instead of leaving it pending forever.
func (q *Queue) reclaimStale(ctx context.Context, stream, consumerName string, handler Handler) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: consumerName,
		MinIdle:  claimIdleAfter,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil || len(claimed) == 0 {
		return
	}
	for _, entry := range claimed {
		q.dispatch(ctx, stream, entry, handler)
	}
}

func decodeMessage(entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values["payload"].(string)
	if !ok {
		return Message{}, apperrors.New(apperrors.ErrorTypeValidation, "queue message missing payload field")
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding queue message")
	}
	msg.DeliveryID = entry.ID
	return msg, nil
}
