package job

import (
	"context"
	"sync"

	xerrors "MarketResearch/internal/errors"
)

const defaultMemoryQueueSize = 128

// MemoryQueue 是基于带缓冲 channel 的进程内队列，适合单实例部署与测试。
// 处理失败的任务不会自动重投，重试由 Processor 决定。
// ch 永不关闭，关闭状态由 done 广播，因此 Publish 阻塞时无需持锁。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 在队列满时阻塞，直到有空位、队列关闭或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return errMemoryQueueClosed()
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-q.done:
		return errMemoryQueueClosed()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 阻塞直到 ctx 结束或队列被关闭。关闭前已入队的任务仍会被取走。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, q.next, handler)
}

func (q *MemoryQueue) next(ctx context.Context) (delivery, error) {
	select {
	case <-ctx.Done():
		return delivery{}, ctx.Err()
	case jobID := <-q.ch:
		return delivery{jobID: jobID}, nil
	case <-q.done:
		select {
		case jobID := <-q.ch:
			return delivery{jobID: jobID}, nil
		default:
			return delivery{}, errMemoryQueueClosed()
		}
	}
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func errMemoryQueueClosed() error {
	return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭", xerrors.WithRetryable(false))
}

var _ Queue = (*MemoryQueue)(nil)
