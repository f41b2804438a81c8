package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/store"
)

// Heartbeat maintains the worker's liveness record. Every lock the worker
// holds is implicitly leased against this record: once the heartbeat goes
// stale the reaper breaks the leases.
type Heartbeat struct {
	workerID string
	store    store.Store
	interval time.Duration
	log      logrus.FieldLogger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewHeartbeat(workerID string, s store.Store, interval time.Duration, log logrus.FieldLogger) *Heartbeat {
	return &Heartbeat{
		workerID: workerID,
		store:    s,
		interval: interval,
		log:      log.WithField("worker", workerID),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start writes the first beat synchronously, then keeps beating in the
// background until Stop. Missed ticks are tolerated; staleness is judged
// on the absolute last_heartbeat.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := h.beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.beat(ctx); err != nil {
					h.log.WithError(err).Warn("heartbeat write failed")
				}
			}
		}
	}()
	return nil
}

// Stop halts the beats and deletes the worker record so the reaper does
// not have to wait out the stale threshold on a clean shutdown.
func (h *Heartbeat) Stop(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	if err := h.store.DeleteWorker(ctx, h.workerID); err != nil {
		h.log.WithError(err).Warn("could not delete worker record")
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	return h.store.UpsertWorker(ctx, h.workerID, time.Now().UTC())
}
