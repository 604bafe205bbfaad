package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Queue on top of a Redis instance: a ready list, an
// in-flight ZSET scored by lease deadline, a scheduled ZSET scored by
// earliest delivery time, and a dead-letter list.
type Redis struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// RedisOptions configures a Redis-backed queue.
type RedisOptions struct {
	Addr              string
	Password          string
	DB                int
	Name              string
	VisibilityTimeout time.Duration
}

// NewRedis builds a queue client. Name partitions the keys so multiple
// queues can share one Redis.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(client, opts.Name, opts.VisibilityTimeout)
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client *redis.Client, name string, visibility time.Duration) *Redis {
	if name == "" {
		name = "default"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	prefix := "queue:" + name
	return &Redis{
		client:        client,
		readyKey:      prefix + ":ready",
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		dlqKey:        prefix + ":dlq",
		visibilityTTL: visibility,
	}
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	var err error
	if runAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey, jobID).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

func (q *Redis) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

func (q *Redis) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

func (q *Redis) Retry(ctx context.Context, jobID string, runAt time.Time) error {
	err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *Redis) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *Redis) DeadLetter(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

func (q *Redis) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

func (q *Redis) RemoveDeadLetter(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, jobID).Err()
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
