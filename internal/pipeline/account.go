package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
	"github.com/rssbox/rssbox/internal/torrents"
)

// verifyPollInterval is the cadence at which a freshly submitted torrent is
// looked for in the account's torrent list.
const verifyPollInterval = time.Second

// Account wraps an account document together with its seedbox session.
//
// IDLE -> PROCESSING -> DOWNLOADING -> {LOCKED <-> DOWNLOADING} ->
// UPLOADING -> IDLE. Transitions that pair with a download write go through
// the store's transaction helper, download first, so the only crash window
// is the one the reaper already closes.
type Account struct {
	Doc *store.Account

	store   store.Store
	cfg     *config.Config
	log     logrus.FieldLogger
	seedbox seedbox.Client

	download *Download // lazily loaded via Doc.DownloadID
}

func NewAccount(s store.Store, cfg *config.Config, log logrus.FieldLogger, client seedbox.Client, doc *store.Account) *Account {
	return &Account{
		Doc:     doc,
		store:   s,
		cfg:     cfg,
		log:     log.WithField("account", doc.ID),
		seedbox: client,
	}
}

func (a *Account) ID() string { return a.Doc.ID }

func (a *Account) save(ctx context.Context) error {
	return a.store.SaveAccountState(ctx, a.Doc)
}

// Download resolves the account's current work item. Returns nil when no
// download is attached or the referenced record is gone.
func (a *Account) Download(ctx context.Context) (*Download, error) {
	if a.download != nil {
		return a.download, nil
	}
	if a.Doc.DownloadID == "" {
		return nil, nil
	}
	doc, err := a.store.GetDownload(ctx, a.Doc.DownloadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.download = NewDownload(a.store, a.cfg, a.log, doc)
	return a.download, nil
}

// AddDownload purges the account's remote storage, submits the download's
// URL, derives its content hash and verifies the seedbox accepted it, then
// commits the paired DOWNLOADING/PROCESSING transition.
func (a *Account) AddDownload(ctx context.Context, d *Download) error {
	if err := seedbox.Purge(ctx, a.seedbox); err != nil {
		return fmt.Errorf("purge account: %w", err)
	}

	urls, err := a.seedbox.AddTorrent(ctx, d.URL())
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}
	if len(urls) != 1 || urls[0] != d.URL() {
		return seedbox.ErrURLMismatch
	}

	hash, err := torrents.CalculateHash(ctx, nil, d.URL())
	if err != nil {
		return err
	}
	if err := a.verifyDownload(ctx, hash); err != nil {
		return err
	}
	return a.MarkAsDownloading(ctx, d, hash)
}

// AddDownloadWithRetries retries the full submission; transient seedbox
// faults are the common case right after a purge.
func (a *Account) AddDownloadWithRetries(ctx context.Context, d *Download, retries int) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = a.AddDownload(ctx, d); err == nil {
			return nil
		}
		if errors.Is(err, seedbox.ErrAuth) || ctx.Err() != nil {
			return err
		}
		if attempt < retries {
			a.log.WithError(err).Infof("retrying download submission for %s", d.Name())
		}
	}
	return err
}

// verifyDownload polls the torrent list until the submitted hash shows up.
func (a *Account) verifyDownload(ctx context.Context, hash string) error {
	a.log.Debugf("verifying download %s", hash)
	deadline := time.Now().Add(a.cfg.DownloadAddVerifyTimeout)
	for {
		list, err := a.seedbox.ListTorrents(ctx)
		if err != nil {
			return fmt.Errorf("verify download: %w", err)
		}
		if _, ok := list.Torrents[hash]; ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("verify download timed out for hash %s", hash)
		}
		if err := sleepCtx(ctx, verifyPollInterval); err != nil {
			return err
		}
	}
}

// ListTorrents exposes the account's remote torrent state to the poll loop.
func (a *Account) ListTorrents(ctx context.Context) (seedbox.TorrentList, error) {
	return a.seedbox.ListTorrents(ctx)
}

// FileURL resolves a direct link for one of the torrent's files.
func (a *Account) FileURL(ctx context.Context, folderFileID string) (string, error) {
	return a.seedbox.FileURL(ctx, folderFileID)
}

// MarkAsDownloading commits the pair {download: PROCESSING+hash, account:
// DOWNLOADING}. Download first: a crash after the first write leaves a
// PROCESSING download without an account, which reaper step four requeues.
func (a *Account) MarkAsDownloading(ctx context.Context, d *Download, hash string) error {
	now := time.Now().UTC()
	a.Doc.DownloadID = d.ID()
	a.Doc.AddedAt = &now
	a.Doc.Status = store.AccountDownloading
	a.Doc.LockedBy = ""
	a.download = d

	return a.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := d.MarkAsProcessing(ctx, hash); err != nil {
			return err
		}
		return a.save(ctx)
	})
}

// MarkAsIdle detaches the download and returns the account to the pool.
func (a *Account) MarkAsIdle(ctx context.Context) error {
	a.Doc.Status = store.AccountIdle
	a.Doc.AddedAt = nil
	a.Doc.DownloadID = ""
	a.Doc.LockedBy = ""
	a.download = nil
	return a.save(ctx)
}

func (a *Account) MarkAsUploading(ctx context.Context, workerID string) error {
	a.Doc.Status = store.AccountUploading
	a.Doc.LockedBy = workerID
	return a.save(ctx)
}

// Unlock releases the account into the given status, typically back to
// DOWNLOADING after an inconclusive poll.
func (a *Account) Unlock(ctx context.Context, status store.AccountStatus) error {
	a.Doc.Status = status
	a.Doc.LockedBy = ""
	return a.save(ctx)
}

// MarkAsFailed idles the account and charges (or, when soft, spares) the
// download's retry budget.
func (a *Account) MarkAsFailed(ctx context.Context, soft bool) error {
	d, err := a.Download(ctx)
	if err != nil {
		return err
	}
	return a.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := a.MarkAsIdle(ctx); err != nil {
			return err
		}
		if d != nil {
			return d.MarkAsFailed(ctx, soft)
		}
		return nil
	})
}

// MarkAsCompleted idles the account and deletes the finished download.
func (a *Account) MarkAsCompleted(ctx context.Context) error {
	d, err := a.Download(ctx)
	if err != nil {
		return err
	}
	return a.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := a.MarkAsIdle(ctx); err != nil {
			return err
		}
		if d != nil {
			return d.Delete(ctx)
		}
		return nil
	})
}

// MarkAsTimeout idles the account and parks the download as TIMEOUT.
func (a *Account) MarkAsTimeout(ctx context.Context) error {
	d, err := a.Download(ctx)
	if err != nil {
		return err
	}
	return a.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := a.MarkAsIdle(ctx); err != nil {
			return err
		}
		if d != nil {
			return d.MarkAsTimeout(ctx)
		}
		return nil
	})
}

// Reset idles the account and requeues the download from scratch.
func (a *Account) Reset(ctx context.Context) error {
	d, err := a.Download(ctx)
	if err != nil {
		return err
	}
	return a.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := a.MarkAsIdle(ctx); err != nil {
			return err
		}
		if d != nil {
			return d.MarkAsPending(ctx)
		}
		return nil
	})
}

// Checked stamps last_checked_at, keeping the poll rotation fair.
func (a *Account) Checked(ctx context.Context) error {
	now := time.Now().UTC()
	a.Doc.LastCheckedAt = &now
	return a.save(ctx)
}

// DownloadTimeout fires once the in-flight download has been running
// longer than the configured deadline, parking it as TIMEOUT.
func (a *Account) DownloadTimeout(ctx context.Context) (bool, error) {
	if a.Doc.AddedAt == nil || !a.Doc.AddedAt.Add(a.cfg.DownloadTimeout).Before(time.Now().UTC()) {
		return false, nil
	}
	if err := a.MarkAsTimeout(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// TimeTaken reports how long the current download has been in flight. A
// missing added_at is initialised and persisted on first read so the
// timeout clock always has a baseline.
func (a *Account) TimeTaken(ctx context.Context) time.Duration {
	if a.Doc.AddedAt == nil {
		now := time.Now().UTC()
		a.Doc.AddedAt = &now
		if err := a.save(ctx); err != nil {
			a.log.WithError(err).Warn("could not persist download start time")
		}
		return 0
	}
	return time.Since(*a.Doc.AddedAt)
}

// sleepCtx pauses without outliving the context.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
