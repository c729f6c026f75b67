package job

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "MarketResearch/internal/errors"
)

const defaultRabbitQueue = "market-research.jobs"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。Prefetch 为 0 时按 worker 数设置。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认 exchange 直接投递到命名队列，消费端手动确认。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	name     string
	prefetch int
	mode     uint8
}

// NewRabbitMQQueue 连接 broker 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{name: cfg.Queue, prefetch: cfg.Prefetch, mode: amqp.Transient}
	if q.name == "" {
		q.name = defaultRabbitQueue
	}
	if cfg.Durable {
		q.mode = amqp.Persistent
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q.conn = conn
	if q.ch, err = conn.Channel(); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := q.ch.QueueDeclare(q.name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", q.name))
	}
	return q, nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: q.mode,
		MessageId:    jobID,
		Body:         []byte(jobID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 投递任务失败",
			xerrors.WithMetadata("job_id", jobID))
	}
	return nil
}

// Consume 订阅队列。handler 成功时 ack，失败时 nack 并重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = max(workerCount, 1)
	}
	if err := q.ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QoS 失败")
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	fetch := func(ctx context.Context) (delivery, error) {
		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return delivery{}, xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 订阅已关闭")
			}
			return delivery{jobID: string(msg.Body), settle: func(handled bool) {
				if handled {
					_ = msg.Ack(false)
					return
				}
				_ = msg.Nack(false, true)
			}}, nil
		}
	}
	return runWorkers(ctx, workerCount, fetch, handler)
}

func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
