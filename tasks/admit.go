package tasks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AdmitSemaphore bounds how many admit stages run concurrently across
// every process sharing a Redis instance, independent of any single
// process's in-memory worker pool caps. Built on a Redis counter key used
// as a counting semaphore: Acquire increments it and backs off while it
// exceeds the limit, Release decrements it.
type AdmitSemaphore struct {
	client *redis.Client
	key    string
	limit  int64
}

// NewAdmitSemaphore builds a semaphore bounded to limit concurrent
// holders. A nil client makes every Acquire/Release a no-op, so a
// single-process deployment with no Redis configured still runs.
func NewAdmitSemaphore(client *redis.Client, key string, limit int64) *AdmitSemaphore {
	if limit <= 0 {
		limit = 1
	}
	return &AdmitSemaphore{client: client, key: key, limit: limit}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (a *AdmitSemaphore) Acquire(ctx context.Context) error {
	if a == nil || a.client == nil {
		return nil
	}
	for {
		count, err := a.client.Incr(ctx, a.key).Result()
		if err != nil {
			return err
		}
		if count == 1 {
			a.client.Expire(ctx, a.key, 10*time.Minute)
		}
		if count <= a.limit {
			return nil
		}
		a.client.Decr(ctx, a.key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release frees a slot acquired with Acquire.
func (a *AdmitSemaphore) Release(ctx context.Context) {
	if a == nil || a.client == nil {
		return
	}
	if err := a.client.Decr(ctx, a.key).Err(); err == nil {
		return
	}
}
