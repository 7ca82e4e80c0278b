package polling

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/metrics"
)

// TaskQueue bounds concurrent tasks. Waiting tasks acquire slots in the
// order they arrived (semaphore.Weighted is FIFO), so none starves.
type TaskQueue struct {
	key     string
	sem     *semaphore.Weighted
	env     Env
	metrics *metrics.Recorder
}

// Run waits for a free slot and runs fn. If ctx ends while waiting, fn is
// not run and ctx's error is returned.
func (q *TaskQueue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := q.env.Clock.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.metrics.QueueAcquired(q.key, q.env.Clock.Since(start))
	defer func() {
		q.sem.Release(1)
		q.metrics.QueueReleased(q.key)
	}()
	return fn(ctx)
}

// Key returns the "chain network" key of the queue.
func (q *TaskQueue) Key() string {
	return q.key
}

// Limiters lazily creates one TaskQueue per (chain, network) and keeps it
// for the lifetime of the process.
type Limiters struct {
	env         Env
	concurrency int64

	mu     sync.Mutex
	queues map[string]*TaskQueue
}

// NewLimiters creates a registry whose queues each run at most
// concurrency tasks at once.
func NewLimiters(concurrency int, env Env) *Limiters {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Limiters{
		env:         env.withDefaults(),
		concurrency: int64(concurrency),
		queues:      make(map[string]*TaskQueue),
	}
}

// Get returns the queue for a chain and network, creating it on first use.
func (l *Limiters) Get(c chain.Chain, network chain.Network) *TaskQueue {
	key := queueKey(c, network)

	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[key]; ok {
		return q
	}
	q := &TaskQueue{
		key:     key,
		sem:     semaphore.NewWeighted(l.concurrency),
		env:     l.env,
		metrics: l.env.Metrics,
	}
	l.queues[key] = q
	return q
}

func queueKey(c chain.Chain, network chain.Network) string {
	return fmt.Sprintf("%s %s", c, network)
}
