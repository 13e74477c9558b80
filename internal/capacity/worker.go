package capacity

import (
	"context"
	"time"

	"github.com/arencloud/hermes-upload/internal/authz"
	"github.com/arencloud/hermes-upload/internal/models"
)

// Lister enumerates registered buckets for the scheduler.
type Lister interface {
	List(ctx context.Context, g authz.Grant) ([]models.BucketConfig, error)
}

// Worker refreshes every registered bucket on start and then every interval.
type Worker struct {
	accountant *Accountant
	lister     Lister
	interval   time.Duration
}

func NewWorker(a *Accountant, l Lister, interval time.Duration) *Worker {
	return &Worker{accountant: a, lister: l, interval: interval}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.tick(ctx)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	g := authz.System()
	buckets, err := w.lister.List(ctx, g)
	if err != nil {
		w.accountant.logger.Error("usage scheduler: list buckets", "error", err.Error())
		return
	}
	if len(buckets) == 0 {
		return
	}
	ids := make([]uint, len(buckets))
	for i, b := range buckets {
		ids[i] = b.ID
	}
	snaps, err := w.accountant.Refresh(ctx, g, ids)
	if err != nil {
		w.accountant.logger.Error("usage scheduler: refresh", "error", err.Error())
		return
	}
	failed := 0
	for _, s := range snaps {
		if s.Status != StatusSuccess {
			failed++
		}
	}
	w.accountant.logger.Info("usage scheduler pass", "buckets", len(snaps), "failed", failed)
}
