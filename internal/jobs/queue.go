// Package jobs runs the regroup queue: database-backed jobs that re-extract
// crash signatures for entries that were ingested without a group.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zigtools/bamboo/internal/database"
	"github.com/zigtools/bamboo/internal/models"
)

const (
	defaultRetryDelay = 5 * time.Second
	defaultMaxRetries = 3
)

// Queue persists regroup jobs and their status transitions in the database.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

// MaxAttempts returns the attempt cap applied to newly enqueued jobs.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

func (q *Queue) Enqueue(ctx context.Context, entryID string) (*models.RegroupJob, error) {
	if strings.TrimSpace(entryID) == "" {
		return nil, fmt.Errorf("entry id is required")
	}
	job := &models.RegroupJob{
		EntryID:       entryID,
		Status:        models.RegroupJobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueRegroupJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.RegroupJob, error) {
	return q.db.ClaimRegroupJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteRegroupJob(ctx, jobID)
}

// RetryOrFail requeues a failed job with backoff; the database parks it as
// failed once attempts are exhausted.
func (q *Queue) RetryOrFail(ctx context.Context, job *models.RegroupJob, runErr error) error {
	if job == nil {
		return fmt.Errorf("regroup job is nil")
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return q.db.FailRegroupJob(ctx, job.ID, failureMessage(runErr), nextAttempt)
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
