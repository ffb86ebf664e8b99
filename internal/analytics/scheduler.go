package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scheduleKey is a sorted set of email IDs scored by their next refresh time
// (unix seconds). A shared set lets any number of refresher workers pull due
// work without coordinating.
const scheduleKey = "analytics:refresh"

// Scheduler tracks which emails need a periodic analytics refresh and when.
type Scheduler interface {
	// EnsureScheduled registers an email for refreshing. Calling it again for
	// an already scheduled email keeps the earlier slot.
	EnsureScheduled(ctx context.Context, emailID string, at time.Time) error
	// Due returns the emails whose refresh slot has passed.
	Due(ctx context.Context, now time.Time) ([]string, error)
	// Reschedule moves an email to its next slot, or drops it once the email
	// has aged out of the refresh window.
	Reschedule(ctx context.Context, emailID string, at time.Time, expired bool) error
	Remove(ctx context.Context, emailID string) error
}

type redisScheduler struct {
	rdb *redis.Client
}

func NewRedisScheduler(rdb *redis.Client) Scheduler {
	return &redisScheduler{rdb: rdb}
}

func (s *redisScheduler) EnsureScheduled(ctx context.Context, emailID string, at time.Time) error {
	err := s.rdb.ZAddNX(ctx, scheduleKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: emailID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule analytics refresh for %s: %w", emailID, err)
	}
	return nil
}

func (s *redisScheduler) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due analytics refreshes: %w", err)
	}
	return ids, nil
}

func (s *redisScheduler) Reschedule(ctx context.Context, emailID string, at time.Time, expired bool) error {
	if expired {
		return s.Remove(ctx, emailID)
	}
	err := s.rdb.ZAdd(ctx, scheduleKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: emailID,
	}).Err()
	if err != nil {
		return fmt.Errorf("reschedule analytics refresh for %s: %w", emailID, err)
	}
	return nil
}

func (s *redisScheduler) Remove(ctx context.Context, emailID string) error {
	if err := s.rdb.ZRem(ctx, scheduleKey, emailID).Err(); err != nil {
		return fmt.Errorf("remove analytics refresh for %s: %w", emailID, err)
	}
	return nil
}
