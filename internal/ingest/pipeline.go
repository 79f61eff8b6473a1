package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	"go.uber.org/zap"
)

const (
	defaultWorkers    = 10
	defaultQueueSize  = 100
	defaultFlushAfter = 1000
)

var (
	errMissingStore     = errors.New("ingest: snapshot store is required")
	errPipelineClosed   = errors.New("ingest: pipeline is closed")
	errPipelineCanceled = errors.New("ingest: pipeline canceled")
)

// PipelineConfig describes the dependencies and tuning of the bulk pipeline.
type PipelineConfig struct {
	Store *snapshots.Store
	// Workers is the fixed number of concurrent batch writers.
	Workers int
	// QueueSize bounds in-flight work between the producer and the workers.
	QueueSize int
	// FlushAfter is the per-worker snapshot count that triggers a batch save.
	FlushAfter int
	Logger     *zap.Logger
}

// Report summarizes a completed pipeline run.
type Report struct {
	SubmissionsSaved int64
	UsersSaved       int64
	BatchesFlushed   int64
	Failures         int64
}

// Pipeline is a bounded-channel worker pool for bulk ingestion. Each worker
// accumulates converted snapshots and persists them through the store's batch
// savers, so storage round trips stay constant per flush regardless of batch
// size. Workers share no in-process state; correctness across workers comes
// from the storage engine's constraints.
//
// Start, Submit and Drain are meant to be driven by a single coordinator
// goroutine, the way the ingest command reads a dump sequentially. In
// particular a Submit racing Drain would send on a closing channel.
type Pipeline struct {
	store      *snapshots.Store
	workers    int
	flushAfter int
	logger     *zap.Logger

	jobs      chan FormatResponse
	waitGroup sync.WaitGroup

	submissionsSaved atomic.Int64
	usersSaved       atomic.Int64
	batchesFlushed   atomic.Int64
	failures         atomic.Int64

	// stateMutex guards the lifecycle flags and the first recorded error.
	stateMutex sync.Mutex
	started    bool
	closed     bool
	firstError error
}

// NewPipeline constructs a pipeline with bounded concurrency.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	flushAfter := cfg.FlushAfter
	if flushAfter <= 0 {
		flushAfter = defaultFlushAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      cfg.Store,
		workers:    workers,
		flushAfter: flushAfter,
		logger:     logger,
		jobs:       make(chan FormatResponse, queueSize),
	}, nil
}

// Start launches the worker pool. Cancelling the context stops every worker
// after its in-flight flush; buffered but unflushed snapshots are dropped,
// matching chunk-granularity abort semantics.
func (p *Pipeline) Start(ctx context.Context) {
	p.stateMutex.Lock()
	if p.started {
		p.stateMutex.Unlock()
		return
	}
	p.started = true
	p.stateMutex.Unlock()
	p.logger.Info("ingestion pipeline starting", zap.Int("workers", p.workers), zap.Int("flush_after", p.flushAfter))
	for workerID := 0; workerID < p.workers; workerID++ {
		p.waitGroup.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Submit queues one adapter response, blocking while the queue is full.
func (p *Pipeline) Submit(ctx context.Context, response FormatResponse) error {
	p.stateMutex.Lock()
	closed := p.closed
	p.stateMutex.Unlock()
	if closed {
		return errPipelineClosed
	}
	select {
	case <-ctx.Done():
		return errPipelineCanceled
	case p.jobs <- response:
		return nil
	}
}

// Drain closes the queue, waits for all workers to flush, and reports totals.
// The first storage error encountered by any worker is returned; later chunks
// may still have committed, so callers retry failed input, not the whole run.
func (p *Pipeline) Drain() (Report, error) {
	p.stateMutex.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.stateMutex.Unlock()
	p.waitGroup.Wait()
	report := Report{
		SubmissionsSaved: p.submissionsSaved.Load(),
		UsersSaved:       p.usersSaved.Load(),
		BatchesFlushed:   p.batchesFlushed.Load(),
		Failures:         p.failures.Load(),
	}
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return report, p.firstError
}

func (p *Pipeline) runWorker(ctx context.Context, workerID int) {
	defer p.waitGroup.Done()
	var submissionBuffer []*snapshots.SubmissionSnapshot
	var userBuffer []*snapshots.UserSnapshot

	flush := func() {
		if len(submissionBuffer) == 0 && len(userBuffer) == 0 {
			return
		}
		if err := p.store.SaveSubmissionSnapshots(ctx, submissionBuffer); err != nil {
			p.recordError(workerID, err)
		} else {
			p.submissionsSaved.Add(int64(len(submissionBuffer)))
		}
		if err := p.store.SaveUserSnapshots(ctx, userBuffer); err != nil {
			p.recordError(workerID, err)
		} else {
			p.usersSaved.Add(int64(len(userBuffer)))
		}
		p.batchesFlushed.Add(1)
		submissionBuffer = submissionBuffer[:0]
		userBuffer = userBuffer[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case response, open := <-p.jobs:
			if !open {
				flush()
				return
			}
			submissionBuffer = append(submissionBuffer, response.SubmissionSnapshots...)
			userBuffer = append(userBuffer, response.UserSnapshots...)
			if len(submissionBuffer) >= p.flushAfter || len(userBuffer) >= p.flushAfter {
				flush()
			}
		}
	}
}

func (p *Pipeline) recordError(workerID int, err error) {
	p.failures.Add(1)
	p.stateMutex.Lock()
	if p.firstError == nil {
		p.firstError = err
	}
	p.stateMutex.Unlock()
	p.logger.Error("pipeline flush failed", zap.Int("worker_id", workerID), zap.Error(err))
}
