package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/engram/internal/extraction"
	"github.com/MrWong99/engram/internal/observe"
	"github.com/MrWong99/engram/pkg/queue"
)

// Extractor runs one user's extraction. Implemented by
// [extraction.Pipeline].
type Extractor interface {
	Extract(ctx context.Context, userID string) (extraction.Stats, error)
}

// Worker executes claimed extraction jobs through an [Extractor].
type Worker struct {
	queue     queue.Queue
	extractor Extractor
	logger    *slog.Logger
	metrics   *observe.Metrics
}

// NewWorker returns a Worker draining q into ex. logger may be nil
// ([slog.Default]); metrics may be nil.
func NewWorker(q queue.Queue, ex Extractor, logger *slog.Logger, metrics *observe.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:     q,
		extractor: ex,
		logger:    logger,
		metrics:   metrics,
	}
}

// Register subscribes the worker's handler on the queue. Call it before
// starting the queue.
func (w *Worker) Register() {
	w.queue.Subscribe(w.handle)
}

// handle is the queue handler for one job attempt. Returning an error lets
// the queue apply its retry policy.
func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("scheduler: decode job payload: %w", err)
	}
	if payload.UserID == "" {
		return errors.New("scheduler: job payload without user id")
	}

	w.logger.Debug("extraction job claimed",
		"job_id", job.ID,
		"user_id", payload.UserID,
		"attempt", job.Attempts)

	_, err := w.extractor.Extract(ctx, payload.UserID)
	w.recordOutcome(ctx, job, err)
	if err != nil {
		return fmt.Errorf("scheduler: extract for %q: %w", payload.UserID, err)
	}
	return nil
}

// recordOutcome maps this attempt's result onto queue metrics. Depth only
// decreases on terminal outcomes; a retried job is still in the queue.
func (w *Worker) recordOutcome(ctx context.Context, job *queue.Job, err error) {
	switch {
	case err == nil:
		w.metrics.RecordQueueEvent(ctx, "completed")
		w.metrics.AddQueueDepth(ctx, -1)
	case job.Attempts >= job.MaxAttempts:
		w.metrics.RecordQueueEvent(ctx, "failed")
		w.metrics.AddQueueDepth(ctx, -1)
	default:
		w.metrics.RecordQueueEvent(ctx, "retried")
	}
}
