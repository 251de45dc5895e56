package waitqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
)

const memoryQueueCapacity = 4096

// MemoryBroker is a process-local Broker for single-instance deployments
// and tests. Jobs do not survive a restart.
type MemoryBroker struct {
	jobs chan string

	mu      sync.Mutex
	results map[string]chan Outcome
	closed  bool

	wg sync.WaitGroup
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs:    make(chan string, memoryQueueCapacity),
		results: make(map[string]chan Outcome),
	}
}

// Enqueue submits a job. Fails when the queue is full or closed.
func (b *MemoryBroker) Enqueue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	jobID := uuid.NewString()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", domainerrors.ErrQueueClosed
	}
	b.results[jobID] = make(chan Outcome, 1)
	b.mu.Unlock()

	select {
	case b.jobs <- jobID:
		return jobID, nil
	default:
		b.dropResult(jobID)
		return "", domainerrors.ErrQueueClosed
	}
}

// Await blocks until the job finishes or the timeout elapses.
func (b *MemoryBroker) Await(ctx context.Context, jobID string, timeout time.Duration) (*Outcome, error) {
	b.mu.Lock()
	ch, ok := b.results[jobID]
	b.mu.Unlock()
	if !ok {
		return nil, domainerrors.ErrNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-ch:
		b.dropResult(jobID)
		return &out, nil
	case <-expired:
		// The job keeps running; dropping the entry now means its
		// eventual result lands in a channel nothing holds.
		b.dropResult(jobID)
		return nil, domainerrors.ErrQueueTimeout
	case <-ctx.Done():
		b.dropResult(jobID)
		return nil, domainerrors.ErrContextCanceled
	}
}

// StartWorkers launches the consumer goroutines.
func (b *MemoryBroker) StartWorkers(ctx context.Context, concurrency int, fn WorkerFunc) {
	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-b.jobs:
					if !ok {
						return
					}
					out := fn(ctx, jobID)
					b.deliver(jobID, out)
				}
			}
		}()
	}
}

// Depth reports the number of jobs not yet picked up.
func (b *MemoryBroker) Depth(ctx context.Context) (int, error) {
	return len(b.jobs), nil
}

// Close stops accepting jobs and waits for the workers to drain.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.jobs)
	b.wg.Wait()
	return nil
}

// deliver hands the outcome to the requester. The buffered send never
// blocks; Await owns the map entry and removes it on every exit, so a
// send after the requester gave up lands in a channel nothing holds.
func (b *MemoryBroker) deliver(jobID string, out Outcome) {
	b.mu.Lock()
	ch, ok := b.results[jobID]
	b.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (b *MemoryBroker) dropResult(jobID string) {
	b.mu.Lock()
	delete(b.results, jobID)
	b.mu.Unlock()
}
