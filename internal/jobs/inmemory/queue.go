package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/jobs"
)

// ErrClosed is returned when publishing to a stopped queue.
var ErrClosed = errors.New("queue is closed")

// Options tunes a Queue. Zero values pick the defaults.
type Options struct {
	BufferSize int
	Workers    int
	MaxRetries int
	// Backoff returns the delay before retry n (1-based).
	Backoff func(n int) time.Duration
}

func linearBackoff(n int) time.Duration { return time.Duration(n) * time.Second }

// Queue is a channel-backed Publisher and Consumer for a single instance.
type Queue struct {
	jobChan   chan *jobs.RebuildIndexJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
	opts      Options
	log       zerolog.Logger
}

// NewQueue creates a new in-memory job queue backed by store (nil ok).
func NewQueue(opts Options, store jobs.JobStore, log zerolog.Logger) *Queue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = linearBackoff
	}
	return &Queue{
		jobChan:   make(chan *jobs.RebuildIndexJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
		log:       log,
	}
}

// PublishRebuild enqueues a rebuild, filling in id, status and timestamps.
func (q *Queue) PublishRebuild(ctx context.Context, job *jobs.RebuildIndexJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if err := q.save(ctx, job); err != nil {
		return fmt.Errorf("PublishRebuild: saving job: %w", err)
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrClosed
	}
}

// Start launches the configured number of workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one attempt and schedules a retry when attempts remain.
func (q *Queue) processJob(ctx context.Context, job *jobs.RebuildIndexJob, handler jobs.JobHandler) {
	log := q.log.With().Str("job_id", job.JobID).Str("reason", job.Reason).Int("attempt", job.RetryCount+1).Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	_ = q.save(ctx, job)

	err := q.run(ctx, job, handler)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	if err != nil {
		job.Error = err.Error()
		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = jobs.JobStatusRetrying
			backoff := q.opts.Backoff(job.RetryCount)
			log.Warn().Err(err).Dur("backoff", backoff).Msg("job failed, retrying")

			// Saved before the timer so a fast retry is never overwritten.
			_ = q.save(ctx, job)
			retry := *job
			time.AfterFunc(backoff, func() {
				retry.Status = jobs.JobStatusPending
				retry.StartedAt = nil
				retry.CompletedAt = nil
				if err := q.PublishRebuild(context.WithoutCancel(ctx), &retry); err != nil {
					log.Warn().Err(err).Msg("could not requeue job")
				}
			})
			return
		}
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Msg("job failed")
	} else {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Dur("elapsed", completedAt.Sub(now)).Msg("job completed")
	}

	_ = q.save(ctx, job)
}

// run calls handler, turning a panic into an error.
func (q *Queue) run(ctx context.Context, job *jobs.RebuildIndexJob, handler jobs.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.RebuildIndexJob) error {
	if q.store == nil {
		return nil
	}
	return q.store.SaveJob(context.WithoutCancel(ctx), job)
}

// Stop closes the queue and waits for in-flight jobs.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
