package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/store"
)

// Reaper reclaims state held by crashed workers. A worker is stale once
// its heartbeat is older than twice the heartbeat interval; everything it
// locked is then released back into a claimable state.
type Reaper struct {
	store             store.Store
	heartbeatInterval time.Duration
	interval          time.Duration
	log               logrus.FieldLogger
}

func NewReaper(s store.Store, heartbeatInterval, interval time.Duration, log logrus.FieldLogger) *Reaper {
	return &Reaper{
		store:             s,
		heartbeatInterval: heartbeatInterval,
		interval:          interval,
		log:               log,
	}
}

// Run sweeps on the configured interval until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Clean(ctx); err != nil {
				r.log.WithError(err).Error("reaper sweep failed")
			}
		}
	}
}

// Clean runs one sweep: delete stale workers, unwind the accounts and
// downloads they locked, and requeue PROCESSING downloads that lost their
// account in the paired-write crash window.
func (r *Reaper) Clean(ctx context.Context) error {
	r.log.Debug("unlocking stale workers, accounts and downloads")

	threshold := time.Now().UTC().Add(-2 * r.heartbeatInterval)

	staleIDs, err := r.store.StaleWorkerIDs(ctx, threshold)
	if err != nil {
		return fmt.Errorf("find stale workers: %w", err)
	}
	if len(staleIDs) > 0 {
		removed, err := r.store.DeleteWorkers(ctx, staleIDs)
		if err != nil {
			return fmt.Errorf("delete stale workers: %w", err)
		}
		r.log.Infof("removed %d stale workers", removed)
	}

	if err := r.cleanAccounts(ctx, staleIDs, threshold); err != nil {
		return err
	}
	return r.cleanDownloads(ctx, staleIDs, threshold)
}

func (r *Reaper) cleanAccounts(ctx context.Context, staleIDs []string, threshold time.Time) error {
	orphaned, err := r.store.OrphanedAccounts(ctx, staleIDs, threshold)
	if err != nil {
		return fmt.Errorf("find orphaned accounts: %w", err)
	}
	for _, account := range orphaned {
		// LOCKED meant a worker was polling and UPLOADING meant it was
		// uploading; both resume safely from DOWNLOADING under the next
		// worker. PROCESSING never had a download attached, so it unwinds
		// straight to IDLE.
		status := store.AccountIdle
		if account.Status == store.AccountLocked || account.Status == store.AccountUploading {
			status = store.AccountDownloading
		}
		if err := r.store.ReleaseAccount(ctx, account.ID, status); err != nil {
			return fmt.Errorf("release account %s: %w", account.ID, err)
		}
	}
	if len(orphaned) > 0 {
		r.log.Infof("released %d orphaned accounts", len(orphaned))
	}
	return nil
}

func (r *Reaper) cleanDownloads(ctx context.Context, staleIDs []string, threshold time.Time) error {
	orphanedIDs, err := r.store.OrphanedDownloadIDs(ctx, staleIDs, threshold)
	if err != nil {
		return fmt.Errorf("find orphaned downloads: %w", err)
	}
	if len(orphanedIDs) > 0 {
		n, err := r.store.RequeueDownloads(ctx, orphanedIDs)
		if err != nil {
			return fmt.Errorf("requeue orphaned downloads: %w", err)
		}
		r.log.Infof("requeued %d orphaned downloads", n)
	}

	// PROCESSING downloads with no account referencing them: the crash
	// landed between the download write and the account write.
	detachedIDs, err := r.store.ProcessingWithoutAccount(ctx)
	if err != nil {
		return fmt.Errorf("find detached downloads: %w", err)
	}
	if len(detachedIDs) > 0 {
		n, err := r.store.RequeueDownloads(ctx, detachedIDs)
		if err != nil {
			return fmt.Errorf("requeue detached downloads: %w", err)
		}
		r.log.Infof("requeued %d downloads without account references", n)
	}
	return nil
}
