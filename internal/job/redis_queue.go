package job

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "MarketResearch/internal/errors"
)

const (
	defaultRedisQueue     = "market-research:jobs"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 Redis list 作为任务队列：LPUSH 投递，BRPOP 取出。
// 多个 reportd 实例可以共享同一个 list。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue 建立连接并 PING 一次，失败时返回 QUEUE_FAILURE。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait}
	if q.key == "" {
		q.key = defaultRedisQueue
	}
	if q.wait <= 0 {
		q.wait = defaultRedisBlockWait
	}
	return q
}

func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递任务失败",
			xerrors.WithMetadata("job_id", jobID))
	}
	return nil
}

// Consume 阻塞消费。handler 返回错误时任务被放回队尾，下一次 BRPOP 会先取到它。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, q.next, handler)
}

func (q *RedisQueue) next(ctx context.Context) (delivery, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return delivery{}, errNoDelivery
	case ctx.Err() != nil:
		return delivery{}, ctx.Err()
	case err != nil:
		return delivery{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
	case len(values) != 2:
		return delivery{}, errNoDelivery
	}

	jobID := values[1]
	return delivery{jobID: jobID, settle: func(handled bool) {
		if handled {
			return
		}
		// 停机时也要把任务放回去。
		_ = q.client.RPush(context.WithoutCancel(ctx), q.key, jobID).Err()
	}}, nil
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
