package waitqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"github.com/mailtester/keybroker-go/internal/logger"
)

const (
	redisJobsKey          = "keybroker:waitq:jobs"
	redisProcessingPrefix = "keybroker:waitq:processing:"
	redisWorkerPrefix     = "keybroker:waitq:worker:"
	redisResultPrefix     = "keybroker:waitq:result:"

	redisResultTTL    = 5 * time.Minute
	redisPollInterval = time.Second

	redisHeartbeatTTL      = 30 * time.Second
	redisHeartbeatInterval = 10 * time.Second
	redisReclaimInterval   = time.Minute

	redisScanBatch = 100
)

// RedisBroker is a Broker backed by Redis lists, shared by every replica.
// Jobs live in a FIFO list and get moved to a per-replica processing list
// while a worker holds them; the outcome is published to a per-job result
// key the requester blocks on. Each replica keeps a heartbeat key alive
// while its workers run, and jobs held by a replica whose heartbeat has
// expired are moved back onto the FIFO by whichever replica notices first.
type RedisBroker struct {
	client *redis.Client
	log    *logger.Logger

	instanceID    string
	processingKey string

	wg sync.WaitGroup
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, addr, password string, db int, log *logger.Logger) (*RedisBroker, error) {
	return newRedisBroker(ctx, &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}, log)
}

// NewRedisBrokerFromURL connects using a redis:// URL.
func NewRedisBrokerFromURL(ctx context.Context, url string, log *logger.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, domainerrors.NewStoreError("redisParseURL", "", err)
	}
	return newRedisBroker(ctx, opts, log)
}

func newRedisBroker(ctx context.Context, opts *redis.Options, log *logger.Logger) (*RedisBroker, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, domainerrors.NewStoreError("redisPing", "", err)
	}
	instanceID := uuid.NewString()
	return &RedisBroker{
		client:        client,
		log:           log.WithModule("waitqueue.redis"),
		instanceID:    instanceID,
		processingKey: redisProcessingPrefix + instanceID,
	}, nil
}

// Enqueue pushes a new job handle onto the shared FIFO.
func (b *RedisBroker) Enqueue(ctx context.Context) (string, error) {
	jobID := uuid.NewString()
	if err := b.client.LPush(ctx, redisJobsKey, jobID).Err(); err != nil {
		return "", domainerrors.NewStoreError("queueEnqueue", "", err)
	}
	return jobID, nil
}

// Await blocks on the job's result key. timeout <= 0 blocks until ctx ends.
func (b *RedisBroker) Await(ctx context.Context, jobID string, timeout time.Duration) (*Outcome, error) {
	if timeout < 0 {
		timeout = 0
	}

	vals, err := b.client.BRPop(ctx, timeout, redisResultPrefix+jobID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, domainerrors.ErrQueueTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, domainerrors.ErrContextCanceled
	case err != nil:
		return nil, domainerrors.NewStoreError("queueAwait", "", err)
	}

	var out Outcome
	if err := json.Unmarshal([]byte(vals[1]), &out); err != nil {
		return nil, domainerrors.NewStoreError("queueAwait", "", err)
	}
	return &out, nil
}

// StartWorkers registers this replica's heartbeat and launches the
// consumers plus the heartbeat and orphan-reclaim loops.
func (b *RedisBroker) StartWorkers(ctx context.Context, concurrency int, fn WorkerFunc) {
	if err := b.beat(ctx); err != nil {
		b.log.WithError(err).Warn("Worker heartbeat failed")
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.runHeartbeat(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.runReclaim(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(ctx, fn)
		}()
	}
}

// Depth reports pending jobs plus jobs in flight on any replica.
func (b *RedisBroker) Depth(ctx context.Context) (int, error) {
	total, err := b.client.LLen(ctx, redisJobsKey).Result()
	if err != nil {
		return 0, domainerrors.NewStoreError("queueDepth", "", err)
	}

	iter := b.client.Scan(ctx, 0, redisProcessingPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, domainerrors.NewStoreError("queueDepth", "", err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return 0, domainerrors.NewStoreError("queueDepth", "", err)
	}
	return int(total), nil
}

// Close waits for the workers, retires this replica's heartbeat and
// closes the connection.
func (b *RedisBroker) Close() error {
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Del(ctx, redisWorkerPrefix+b.instanceID).Err(); err != nil {
		b.log.WithError(err).Warn("Worker heartbeat cleanup failed")
	}
	return b.client.Close()
}

func (b *RedisBroker) consume(ctx context.Context, fn WorkerFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := b.client.BLMove(ctx, redisJobsKey, b.processingKey, "RIGHT", "LEFT", redisPollInterval).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			b.log.WithError(err).Warn("Queue dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisPollInterval):
			}
			continue
		}

		out := fn(ctx, jobID)
		b.finish(ctx, jobID, out)
	}
}

// finish publishes the outcome and releases the job from this replica's
// processing list. Uses a background-derived deadline so a canceled worker
// context still delivers the result of work already done.
func (b *RedisBroker) finish(ctx context.Context, jobID string, out Outcome) {
	payload, err := json.Marshal(out)
	if err != nil {
		b.log.WithError(err).WithField("job_id", jobID).Error("Queue outcome marshal failed")
		payload = []byte(`{"code":"error"}`)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	pipe := b.client.Pipeline()
	pipe.LPush(pubCtx, redisResultPrefix+jobID, payload)
	pipe.Expire(pubCtx, redisResultPrefix+jobID, redisResultTTL)
	pipe.LRem(pubCtx, b.processingKey, 1, jobID)
	if _, err := pipe.Exec(pubCtx); err != nil {
		b.log.WithError(err).WithField("job_id", jobID).Error("Queue outcome publish failed")
	}
}

func (b *RedisBroker) beat(ctx context.Context) error {
	return b.client.Set(ctx, redisWorkerPrefix+b.instanceID, b.instanceID, redisHeartbeatTTL).Err()
}

func (b *RedisBroker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(redisHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.beat(ctx); err != nil {
				b.log.WithError(err).Warn("Worker heartbeat failed")
			}
		}
	}
}

func (b *RedisBroker) runReclaim(ctx context.Context) {
	b.reclaimOrphans(ctx)

	ticker := time.NewTicker(redisReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaimOrphans(ctx)
		}
	}
}

// reclaimOrphans requeues jobs held in the processing list of any replica
// whose heartbeat key has expired. A live replica's in-flight jobs are
// never touched, so a restart cannot steal work another worker is still
// servicing.
func (b *RedisBroker) reclaimOrphans(ctx context.Context) {
	iter := b.client.Scan(ctx, 0, redisProcessingPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner := strings.TrimPrefix(key, redisProcessingPrefix)
		if owner == b.instanceID {
			continue
		}

		alive, err := b.client.Exists(ctx, redisWorkerPrefix+owner).Result()
		if err != nil {
			b.log.WithError(err).Warn("Orphan owner check failed")
			continue
		}
		if alive > 0 {
			continue
		}

		moved := 0
		for {
			_, err := b.client.LMove(ctx, key, redisJobsKey, "RIGHT", "RIGHT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				b.log.WithError(err).Warn("Orphan requeue failed")
				break
			}
			moved++
		}
		if moved > 0 {
			b.log.WithField("requeued", moved).WithField("owner", owner).Info("Requeued orphaned queue jobs")
		}
	}
	if err := iter.Err(); err != nil {
		b.log.WithError(err).Warn("Orphan scan failed")
	}
}
