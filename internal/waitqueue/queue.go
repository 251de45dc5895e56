// Package waitqueue lets callers block until a reservation succeeds.
//
// Blocking intents flow through a shared FIFO broker so that under
// contention the caller that asked first is served first, and so that a
// restart of the HTTP tier does not drop inflight waits. A bounded worker
// pool drains the FIFO, retrying the non-blocking engine with backoff until
// a key frees up or the job's deadline passes.
package waitqueue

import (
	"context"
	"errors"
	"time"

	"github.com/mailtester/keybroker-go/internal/engine"
	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
)

// Outcome is the terminal state of one queued job.
type Outcome struct {
	Code        string              `json:"code"` // ok, timeout, error
	Reservation *engine.Reservation `json:"reservation,omitempty"`
}

// Outcome codes.
const (
	CodeOK      = "ok"
	CodeTimeout = "timeout"
	CodeError   = "error"
)

// WorkerFunc processes one dequeued job and returns its outcome.
type WorkerFunc func(ctx context.Context, jobID string) Outcome

// Broker is the FIFO transporting reservation intents between requesters
// and workers. Implementations must service jobs in enqueue order, bounded
// by the worker concurrency, and should survive broker restarts.
type Broker interface {
	// Enqueue submits a new job and returns its handle.
	Enqueue(ctx context.Context) (string, error)

	// Await blocks until the job completes or the timeout elapses.
	// timeout <= 0 means no requester-side deadline. An elapsed timeout
	// returns errors.ErrQueueTimeout; the job itself keeps running.
	Await(ctx context.Context, jobID string, timeout time.Duration) (*Outcome, error)

	// StartWorkers launches concurrency goroutines that consume jobs with
	// fn until ctx is canceled.
	StartWorkers(ctx context.Context, concurrency int, fn WorkerFunc)

	// Depth reports pending plus in-flight jobs.
	Depth(ctx context.Context) (int, error)

	// Close releases broker resources.
	Close() error
}

// Config tunes the blocking-reserve behavior.
type Config struct {
	// Concurrency is the number of jobs serviced in parallel.
	Concurrency int
	// Backoff is the sleep between reserve attempts inside a job.
	Backoff time.Duration
	// MaxWait bounds how long a worker retries one job. 0 = unbounded.
	MaxWait time.Duration
	// RequestTimeout bounds how long a requester awaits its job.
	// 0 = unbounded. Independent from MaxWait: whichever fires first
	// ends the wait, and a timed-out requester does not cancel the job.
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		Backoff:     time.Second,
	}
}

// Queue wires the broker to the reservation engine.
type Queue struct {
	broker  Broker
	engine  *engine.Engine
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates a wait queue. metrics may be nil.
func New(broker Broker, eng *engine.Engine, cfg Config, log *logger.Logger, m *metrics.Metrics) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Queue{
		broker:  broker,
		engine:  eng,
		cfg:     cfg,
		log:     log.WithModule("waitqueue"),
		metrics: m,
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled.
func (q *Queue) Start(ctx context.Context) {
	q.broker.StartWorkers(ctx, q.cfg.Concurrency, q.work)
	q.log.WithField("concurrency", q.cfg.Concurrency).Info("Wait queue workers started")
}

// ReserveBlocking enqueues a reservation intent and waits for its outcome.
// Returns errors.ErrQueueTimeout when either deadline fires first.
func (q *Queue) ReserveBlocking(ctx context.Context) (*engine.Reservation, error) {
	jobID, err := q.broker.Enqueue(ctx)
	if err != nil {
		return nil, err
	}

	out, err := q.broker.Await(ctx, jobID, q.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	switch out.Code {
	case CodeOK:
		return out.Reservation, nil
	case CodeTimeout:
		return nil, domainerrors.ErrQueueTimeout
	default:
		return nil, domainerrors.NewStoreError("queueJob", "", errors.New("job failed"))
	}
}

// work services one job: retry the engine with backoff until a reservation
// commits or the worker-side deadline passes. The job runs on the pool's
// context, not the requester's, so an abandoned requester never cancels a
// reservation that is about to commit.
func (q *Queue) work(ctx context.Context, jobID string) Outcome {
	started := time.Now()
	var deadline time.Time
	if q.cfg.MaxWait > 0 {
		deadline = started.Add(q.cfg.MaxWait)
	}

	for {
		res, err := q.engine.Reserve(ctx)
		if err != nil {
			q.log.WithError(err).WithField("job_id", jobID).Error("Queued reserve failed")
			q.recordJob(CodeError, started)
			return Outcome{Code: CodeError}
		}
		if res != nil {
			q.recordJob(CodeOK, started)
			return Outcome{Code: CodeOK, Reservation: res}
		}

		if !deadline.IsZero() && time.Now().Add(q.cfg.Backoff).After(deadline) {
			q.recordJob(CodeTimeout, started)
			return Outcome{Code: CodeTimeout}
		}

		select {
		case <-ctx.Done():
			q.recordJob(CodeError, started)
			return Outcome{Code: CodeError}
		case <-time.After(q.cfg.Backoff):
		}
	}
}

func (q *Queue) recordJob(outcome string, started time.Time) {
	if q.metrics != nil {
		q.metrics.RecordQueueJob(outcome, time.Since(started).Seconds())
	}
}
