// Package queue holds deferred billing webhook events in Redis until their
// organization linkage becomes visible.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const billingRetryKey = "billing_event_retries"

type RetryQueue struct {
	client *redis.Client
}

func New(url string) (*RetryQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RetryQueue{client: redis.NewClient(opt)}, nil
}

func (q *RetryQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

type envelope struct {
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

func (q *RetryQueue) Enqueue(ctx context.Context, payload []byte, attempt int) error {
	data, err := json.Marshal(envelope{Payload: payload, Attempt: attempt})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, billingRetryKey, data).Err()
}

// Dequeue blocks up to timeout for the next deferred event. A timeout with
// nothing queued returns (nil, 0, nil).
func (q *RetryQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, int, error) {
	res, err := q.client.BRPop(ctx, timeout, billingRetryKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(res) < 2 {
		return nil, 0, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, 0, err
	}
	return env.Payload, env.Attempt, nil
}

func (q *RetryQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, billingRetryKey).Result()
}

func (q *RetryQueue) Close() error {
	return q.client.Close()
}
