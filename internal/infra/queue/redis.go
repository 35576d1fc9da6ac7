package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smm-post-bot/internal/domain"
)

// RedisSlotQueue реализует очередь слотов на базе Redis lists.
type RedisSlotQueue struct {
	client *redis.Client
	key    string
}

// NewRedisSlotQueue создаёт очередь по указанному ключу.
func NewRedisSlotQueue(client *redis.Client, key string) *RedisSlotQueue {
	return &RedisSlotQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisSlotQueue) Enqueue(ctx context.Context, job domain.SlotJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. При неуспешном ack задача
// возвращается в хвост очереди.
func (q *RedisSlotQueue) Receive(ctx context.Context) (domain.SlotJob, domain.SlotAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.SlotJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.SlotJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.SlotJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.SlotJob{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var job domain.SlotJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.SlotJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return job, ack, nil
	}
}
