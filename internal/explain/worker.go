package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/metrics"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

type explanationStore interface {
	GetExplanation(context.Context, string, string) (store.Explanation, error)
	GetDecisionEvent(context.Context, string, string) (store.DecisionEvent, error)
	TransitionExplanation(context.Context, store.ExplanationTransition) (bool, error)
}

type Worker struct {
	store  explanationStore
	queue  Queue
	method Method
	log    *logger.Logger
}

func NewWorker(dataStore explanationStore, queue Queue, method Method, baseLog *logger.Logger) *Worker {
	if method == nil {
		method = Stub
	}
	return &Worker{
		store:  dataStore,
		queue:  queue,
		method: method,
		log:    baseLog.Component("ExplainWorker"),
	}
}

// Run consumes jobs with the given concurrency until ctx is done.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting explanation workers", "concurrency", concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.loop(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("Explanation worker stopped", "worker_id", workerID)
				return
			}
			w.log.Warn("Dequeue failed", "worker_id", workerID, "error", err)
			continue
		}
		if err := w.Process(ctx, job); err != nil {
			w.log.Error("Explanation job failed", "worker_id", workerID, "explanation_id", job.ExplanationID, "error", err)
		}
	}
}

// Process drives one explanation PENDING -> RUNNING -> DONE|FAILED. Each
// step is a conditional transition, so a job delivered twice is a no-op the
// second time.
func (w *Worker) Process(ctx context.Context, job Job) error {
	claimed, err := w.store.TransitionExplanation(ctx, store.ExplanationTransition{
		TenantID: job.TenantID,
		ID:       job.ExplanationID,
		From:     store.ExplanationPending,
		To:       store.ExplanationRunning,
	})
	if err != nil {
		return fmt.Errorf("claim explanation: %w", err)
	}
	if !claimed {
		w.log.Debug("Explanation not pending; skipping", "explanation_id", job.ExplanationID)
		metrics.ExplanationJobs.WithLabelValues("skipped").Inc()
		return nil
	}

	evidence, runErr := w.compute(ctx, job)
	if runErr != nil {
		msg := runErr.Error()
		if _, err := w.store.TransitionExplanation(ctx, store.ExplanationTransition{
			TenantID: job.TenantID,
			ID:       job.ExplanationID,
			From:     store.ExplanationRunning,
			To:       store.ExplanationFailed,
			Error:    &msg,
		}); err != nil {
			return fmt.Errorf("mark explanation failed: %w", err)
		}
		metrics.ExplanationJobs.WithLabelValues(store.ExplanationFailed).Inc()
		w.log.Warn("Explanation failed", "explanation_id", job.ExplanationID, "error", runErr)
		return nil
	}

	if _, err := w.store.TransitionExplanation(ctx, store.ExplanationTransition{
		TenantID: job.TenantID,
		ID:       job.ExplanationID,
		From:     store.ExplanationRunning,
		To:       store.ExplanationDone,
		Evidence: evidence,
	}); err != nil {
		return fmt.Errorf("mark explanation done: %w", err)
	}
	metrics.ExplanationJobs.WithLabelValues(store.ExplanationDone).Inc()
	w.log.Info("Explanation done", "explanation_id", job.ExplanationID)
	return nil
}

func (w *Worker) compute(ctx context.Context, job Job) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("explanation method panic: %v", r)
		}
	}()

	explanation, err := w.store.GetExplanation(ctx, job.TenantID, job.ExplanationID)
	if err != nil {
		return nil, fmt.Errorf("load explanation: %w", err)
	}
	event, err := w.store.GetDecisionEvent(ctx, job.TenantID, explanation.DecisionEventID)
	if err != nil {
		return nil, fmt.Errorf("load decision event: %w", err)
	}
	evidence, err := w.method(ctx, event)
	if err != nil {
		return nil, err
	}
	if evidence == nil {
		return nil, errors.New("explanation method returned no evidence")
	}
	raw, err = json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	return raw, nil
}
