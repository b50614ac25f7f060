// Package worker runs the single long-lived submission worker: sweep
// expired flags, pull a pending batch, submit it, record verdicts, and
// sleep until either submit_period elapses or the oldest pending flag is
// about to expire, whichever comes first.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/flagstore"
	"github.com/ctfops/flagfarm/internal/submit"
)

// Worker is the C3 submission loop.
type Worker struct {
	store       *flagstore.Store
	submitter   submit.Submitter
	batchLimit  int
	submitPeriod time.Duration
	lifetime    time.Duration
	logger      *zap.Logger
}

// New builds a Worker. Call Run in its own goroutine.
func New(store *flagstore.Store, submitter submit.Submitter, batchLimit int, submitPeriod, lifetime time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		store:        store,
		submitter:    submitter,
		batchLimit:   batchLimit,
		submitPeriod: submitPeriod,
		lifetime:     lifetime,
		logger:       logger,
	}
}

// Run executes the worker loop until ctx is canceled. The same ctx is
// passed to the submitter and the store, so a submission in flight when ctx
// is canceled is abandoned rather than drained, and its flags stay PENDING.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sleep, err := w.tick(ctx)
		if err != nil {
			w.logger.Warn("submission tick failed, backing off", zap.Error(err))
			sleep = 5 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one iteration of the loop and returns the sleep duration for
// the next iteration.
func (w *Worker) tick(ctx context.Context) (time.Duration, error) {
	if err := w.store.SweepExpired(ctx); err != nil {
		return 0, err
	}

	batch, err := w.store.NextPendingBatch(ctx, w.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return w.submitPeriod, nil
	}

	flags := make([]string, len(batch))
	for i, f := range batch {
		flags[i] = f.Flag
	}

	now := time.Now()
	verdicts, err := w.submitter.Submit(ctx, flags)
	now2 := time.Now()
	if err != nil {
		w.logger.Error("submission failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		return 0, err
	}

	if err := w.store.RecordVerdicts(ctx, verdicts, now2.Unix()); err != nil {
		return 0, err
	}
	w.logger.Info("submitted batch",
		zap.Int("batch_size", len(batch)),
		zap.Int("verdicts", len(verdicts)),
		zap.Duration("round_trip", now2.Sub(now)))

	return w.nextSleep(batch), nil
}

// nextSleep computes min(submit_period, LIFETIME - (now - oldest.timestamp))
// so the loop never sleeps past a flag's expiry. batch is ordered
// ascending by timestamp, so batch[0] is the oldest.
func (w *Worker) nextSleep(batch []flagstore.Flag) time.Duration {
	oldest := batch[0].Timestamp
	remaining := w.lifetime - time.Since(time.Unix(oldest, 0))
	if remaining < w.submitPeriod {
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return w.submitPeriod
}
