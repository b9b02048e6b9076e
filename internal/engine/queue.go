package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const deliveryQueueKey = "webhook:delivery_queue"

// Queue is the delayed-task substrate backing both immediate dispatch and
// retry countdowns. It is a Redis sorted set of delivery IDs scored by due
// time in microseconds; a member becomes claimable once its score passes now.
//
// Queuing only the delivery ID (never the payload) keeps the database row
// the single source of truth, so a redelivered or duplicated queue entry
// simply re-reads current state.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules the delivery to run no earlier than at. Re-enqueueing an
// already queued ID moves its due time rather than duplicating it.
func (q *Queue) Enqueue(ctx context.Context, deliveryID string, at time.Time) error {
	err := q.client.ZAdd(ctx, deliveryQueueKey, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: deliveryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing delivery %s: %w", deliveryID, err)
	}
	return nil
}

// EnqueueBatch schedules several deliveries at the same due time in one
// pipeline round trip.
func (q *Queue) EnqueueBatch(ctx context.Context, deliveryIDs []string, at time.Time) error {
	if len(deliveryIDs) == 0 {
		return nil
	}
	score := float64(at.UnixMicro())

	pipe := q.client.Pipeline()
	for _, id := range deliveryIDs {
		pipe.ZAdd(ctx, deliveryQueueKey, redis.Z{Score: score, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing %d deliveries: %w", len(deliveryIDs), err)
	}
	return nil
}

// ClaimDue atomically removes and returns up to limit delivery IDs whose due
// time has passed. A member removed by a concurrent claimer (ZRem returning
// 0) is skipped, so two pollers never both claim the same entry.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	results, err := q.client.ZRangeByScore(ctx, deliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(float64(now.UnixMicro()), 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	claimed := make([]string, 0, len(results))
	for _, member := range results {
		removed, err := q.client.ZRem(ctx, deliveryQueueKey, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("claiming delivery %s: %w", member, err)
		}
		if removed == 0 {
			continue
		}
		claimed = append(claimed, member)
	}
	return claimed, nil
}

// Depth returns the number of deliveries waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, deliveryQueueKey).Result()
}
