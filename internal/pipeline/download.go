// Package pipeline implements the distributed work lifecycle: claiming
// pending downloads and free accounts, driving the account and download
// state machines, heartbeating, and reclaiming work from dead workers.
// All coordination runs through the store; nothing is shared in-process.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/store"
)

// Download wraps a download document with its state transitions.
//
// PENDING -> PROCESSING -> (deleted | ERROR | TIMEOUT | TOO_LARGE |
// INVALID_TORRENT), with failed attempts cycling back to PENDING until the
// retry budget is spent.
type Download struct {
	Doc *store.Download

	store store.Store
	cfg   *config.Config
	log   logrus.FieldLogger
}

func NewDownload(s store.Store, cfg *config.Config, log logrus.FieldLogger, doc *store.Download) *Download {
	return &Download{
		Doc:   doc,
		store: s,
		cfg:   cfg,
		log:   log.WithField("download", doc.Name),
	}
}

func (d *Download) ID() string   { return d.Doc.ID }
func (d *Download) URL() string  { return d.Doc.URL }
func (d *Download) Name() string { return d.Doc.Name }
func (d *Download) Hash() string { return d.Doc.Hash }

// MarkAsProcessing records the submitted torrent's hash and hands the
// in-flight ownership over to the account that carries it.
func (d *Download) MarkAsProcessing(ctx context.Context, hash string) error {
	d.Doc.Status = store.DownloadProcessing
	d.Doc.Hash = hash
	d.Doc.LockedBy = ""
	return d.store.SaveDownload(ctx, d.Doc)
}

// MarkAsPending returns the download to the claimable pool.
func (d *Download) MarkAsPending(ctx context.Context) error {
	d.Doc.Status = store.DownloadPending
	d.Doc.Hash = ""
	d.Doc.LockedBy = ""
	d.Doc.ExpireAt = nil
	return d.store.SaveDownload(ctx, d.Doc)
}

// MarkAsFailed burns one retry (unless soft) and either requeues the
// download or, once the budget is spent, parks it as ERROR with a TTL.
// Soft failures exist so transient faults never consume the budget.
func (d *Download) MarkAsFailed(ctx context.Context, soft bool) error {
	if !soft {
		d.Doc.Retries++
	}
	if d.Doc.Retries >= d.cfg.DownloadRetries {
		d.log.Warn("retry limit reached")
		return d.stopWithStatus(ctx, store.DownloadError, d.cfg.ErrorRecordExpiry)
	}
	return d.MarkAsPending(ctx)
}

func (d *Download) MarkAsTimeout(ctx context.Context) error {
	return d.stopWithStatus(ctx, store.DownloadTimeout, d.cfg.TimeoutRecordExpiry)
}

func (d *Download) MarkAsTooLarge(ctx context.Context) error {
	return d.stopWithStatus(ctx, store.DownloadTooLarge, d.cfg.ErrorRecordExpiry)
}

func (d *Download) MarkAsInvalidTorrent(ctx context.Context) error {
	return d.stopWithStatus(ctx, store.DownloadInvalidTorrent, d.cfg.ErrorRecordExpiry)
}

// stopWithStatus parks the download in a terminal state. The record stays
// around until the store's TTL purge so duplicate re-ingests keep hitting
// the unique url index instead of re-entering the pipeline.
func (d *Download) stopWithStatus(ctx context.Context, status store.DownloadStatus, expireIn time.Duration) error {
	d.Doc.Status = status
	d.Doc.Hash = ""
	d.Doc.LockedBy = ""
	if expireIn > 0 {
		expireAt := time.Now().UTC().Add(expireIn)
		d.Doc.ExpireAt = &expireAt
	} else {
		d.Doc.ExpireAt = nil
	}
	return d.store.SaveDownload(ctx, d.Doc)
}

// Unlock releases the claim without changing status.
func (d *Download) Unlock(ctx context.Context) error {
	d.Doc.LockedBy = ""
	return d.store.UnlockDownload(ctx, d.Doc.ID)
}

func (d *Download) Delete(ctx context.Context) error {
	return d.store.DeleteDownload(ctx, d.Doc.ID)
}
