package queue

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *RetryQueue {
	t.Helper()
	url := os.Getenv("MR_TEST_REDIS_URL")
	if url == "" {
		url = "redis://127.0.0.1:6379/15"
	}
	q, err := New(url)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Ping(ctx); err != nil {
		q.Close()
		t.Skipf("redis unavailable for queue tests: %v", err)
	}
	t.Cleanup(func() {
		_ = q.client.Del(context.Background(), billingRetryKey).Err()
		_ = q.Close()
	})
	return q
}

func TestEnqueueDequeueRoundtrip(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	if err := q.Enqueue(ctx, payload, 2); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, attempt, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
	if attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", attempt)
	}
}

func TestDequeueTimeoutIsNotAnError(t *testing.T) {
	q := openTestQueue(t)

	payload, attempt, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not error: %v", err)
	}
	if payload != nil || attempt != 0 {
		t.Fatalf("expected empty result, got %s attempt=%d", payload, attempt)
	}
}
