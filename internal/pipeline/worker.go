package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
	"github.com/rssbox/rssbox/internal/upload"
)

// submitRetries is how often a torrent submission is re-attempted before
// the add-error hook decides what to do with the failure.
const submitRetries = 3

// completedUploadsPerPass caps how many finished torrents one check pass
// uploads before yielding, so a single worker does not hog the pool.
const completedUploadsPerPass = 3

// Worker runs the orchestrator loops for one process. Two loops alternate:
// the start loop pairs pending downloads with free accounts and submits
// them; the check loop polls in-flight accounts, uploads completed
// torrents and enforces the download deadline. All contention between
// workers is resolved by the store's atomic claims.
type Worker struct {
	ID string

	store   store.Store
	factory seedbox.Factory
	files   upload.FileHandler
	hook    Hook
	cfg     *config.Config
	log     logrus.FieldLogger

	heartbeat *Heartbeat
	reaper    *Reaper
}

// NewWorker assembles a worker. An empty id gets a random one.
func NewWorker(id string, s store.Store, factory seedbox.Factory, files upload.FileHandler, hook Hook, cfg *config.Config, log logrus.FieldLogger) *Worker {
	if id == "" {
		id = newWorkerID()
	}
	return &Worker{
		ID:        id,
		store:     s,
		factory:   factory,
		files:     files,
		hook:      hook,
		cfg:       cfg,
		log:       log.WithField("worker", id),
		heartbeat: NewHeartbeat(id, s, cfg.HeartbeatInterval, log),
		reaper:    NewReaper(s, cfg.HeartbeatInterval, cfg.ReaperInterval, log.WithField("worker", id)),
	}
}

func newWorkerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Run starts the heartbeat and the reaper, then alternates the two loops
// until the context is cancelled. The only error that ends Run early is an
// unrecoverable seedbox auth failure; the lapsed heartbeat then lets the
// reaper reclaim whatever this worker held.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting")

	if err := w.heartbeat.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.heartbeat.Stop(stopCtx)
	}()

	// Sweep immediately: work orphaned by a previous crash of this same
	// deployment should not wait out a full reaper interval.
	if err := w.reaper.Clean(ctx); err != nil {
		w.log.WithError(err).Error("startup sweep failed")
	}
	go w.reaper.Run(ctx)

	return w.runLoops(ctx, true, true)
}

// RunStartOnly and RunCheckOnly support split deployments where submission
// and polling scale independently.
func (w *Worker) RunStartOnly(ctx context.Context) error { return w.runWith(ctx, true, false) }
func (w *Worker) RunCheckOnly(ctx context.Context) error { return w.runWith(ctx, false, true) }

func (w *Worker) runWith(ctx context.Context, start, check bool) error {
	if err := w.heartbeat.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.heartbeat.Stop(stopCtx)
	}()
	if err := w.reaper.Clean(ctx); err != nil {
		w.log.WithError(err).Error("startup sweep failed")
	}
	go w.reaper.Run(ctx)
	return w.runLoops(ctx, start, check)
}

func (w *Worker) runLoops(ctx context.Context, start, check bool) error {
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return nil
		}
		if start {
			if err := w.StartDownloads(ctx); err != nil {
				return err
			}
		}
		if check {
			if err := w.CheckDownloads(ctx); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			w.log.Info("worker stopping")
			return nil
		}
	}
}

func (w *Worker) newDownload(doc *store.Download) *Download {
	return NewDownload(w.store, w.cfg, w.log, doc)
}

func (w *Worker) newAccount(doc *store.Account) *Account {
	return NewAccount(w.store, w.cfg, w.log, w.factory(doc), doc)
}

// StartDownloads claims pending downloads and free accounts pairwise and
// submits each download, until either pool runs dry or the pass deadline
// expires.
func (w *Worker) StartDownloads(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.DownloadStartTimeout)

	for ctx.Err() == nil && time.Now().Before(deadline) {
		downloadDoc, err := w.store.ClaimPendingDownload(ctx, w.ID)
		if err != nil {
			w.log.WithError(err).Error("could not claim pending download")
			return nil
		}
		if downloadDoc == nil {
			break
		}
		download := w.newDownload(downloadDoc)

		accountDoc, err := w.store.ClaimFreeAccount(ctx, w.ID)
		if err != nil {
			w.log.WithError(err).Error("could not claim free account")
			if err := download.Unlock(ctx); err != nil {
				w.log.WithError(err).Error("could not unlock download")
			}
			return nil
		}
		if accountDoc == nil {
			// Claimed a download but the account pool is dry; hand the
			// download back before bowing out.
			w.log.Debug("no accounts available for downloading")
			if err := download.Unlock(ctx); err != nil {
				w.log.WithError(err).Error("could not unlock download")
			}
			break
		}
		account := w.newAccount(accountDoc)

		if err := account.AddDownloadWithRetries(ctx, download, submitRetries); err != nil {
			if errors.Is(err, seedbox.ErrAuth) {
				return err
			}
			w.log.WithError(err).Errorf("failed to add %s to %s", download.Name(), account.ID())
			if w.hook.OnAddDownloadError(ctx, account, download, err) {
				if err := download.Unlock(ctx); err != nil {
					w.log.WithError(err).Error("could not unlock download")
				}
				if err := account.MarkAsIdle(ctx); err != nil {
					w.log.WithError(err).Error("could not idle account")
				}
			}
			continue
		}
		w.log.Infof("torrent %s added to %s", download.Name(), account.ID())
	}
	return nil
}

// CheckDownloads polls claimed DOWNLOADING accounts: completed torrents
// are uploaded and completed, overdue ones time out, the rest are released
// back to the pool after a short backoff against claim churn.
func (w *Worker) CheckDownloads(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.DownloadCheckTimeout)
	remaining := completedUploadsPerPass

	for ctx.Err() == nil && remaining > 0 && time.Now().Before(deadline) {
		accountDoc, err := w.store.ClaimDownloadingAccount(ctx, w.ID)
		if err != nil {
			w.log.WithError(err).Error("could not claim downloading account")
			return nil
		}
		if accountDoc == nil {
			break
		}
		account := w.newAccount(accountDoc)

		download, err := account.Download(ctx)
		if err != nil {
			w.log.WithError(err).Error("could not load download for account")
			w.release(ctx, account)
			continue
		}
		if download == nil {
			w.log.Infof("account %s is downloading but has no download attached", account.ID())
			if err := account.MarkAsIdle(ctx); err != nil {
				w.log.WithError(err).Error("could not idle account")
			}
			continue
		}
		if download.Hash() == "" {
			w.log.Infof("account %s is downloading %s without a hash", account.ID(), download.Name())
			if err := account.Reset(ctx); err != nil {
				w.log.WithError(err).Error("could not reset account")
			}
			continue
		}

		list, err := account.ListTorrents(ctx)
		if err != nil {
			if errors.Is(err, seedbox.ErrAuth) {
				return err
			}
			w.log.WithError(err).Errorf("could not list torrents for %s", account.ID())
			w.release(ctx, account)
			continue
		}

		torrent, ok := list.Torrents[download.Hash()]
		if !ok {
			w.log.Infof("torrent not found for %s on %s", download.Name(), account.ID())
			if w.hook.OnDownloadNotFound(ctx, account, download) {
				if err := account.Reset(ctx); err != nil {
					w.log.WithError(err).Error("could not reset account")
				}
			}
			continue
		}

		if torrent.Progress >= 100 {
			if w.uploadCompleted(ctx, account, download, &torrent) {
				remaining--
			}
			continue
		}

		fired, err := account.DownloadTimeout(ctx)
		if err != nil {
			w.log.WithError(err).Error("could not apply download timeout")
		}
		if fired {
			w.log.Infof("download timed out for %s on %s", download.Name(), account.ID())
			w.hook.OnDownloadTimeout(ctx, download)
			continue
		}
		w.log.Infof("download in progress for %s on %s (%.0f%%, %s)",
			download.Name(), account.ID(), torrent.Progress, account.TimeTaken(ctx).Round(time.Second))
		w.release(ctx, account)
	}
	return nil
}

// uploadCompleted hands a finished torrent to the file handler. Returns
// true when the download was completed and removed.
func (w *Worker) uploadCompleted(ctx context.Context, account *Account, download *Download, torrent *seedbox.Torrent) bool {
	w.log.Infof("downloaded %s on %s", download.Name(), account.ID())

	if err := account.MarkAsUploading(ctx, w.ID); err != nil {
		w.log.WithError(err).Error("could not mark account as uploading")
		return false
	}

	filesUploaded, err := w.files.Upload(ctx, download.Doc, torrent)
	if err != nil {
		w.log.WithError(err).Errorf("failed to upload %s from %s", download.Name(), account.ID())
		soft := w.hook.OnBeforeUploadError(ctx, account, download, err)
		if err := account.MarkAsFailed(ctx, soft); err != nil {
			w.log.WithError(err).Error("could not mark account as failed")
		}
		w.hook.OnAfterUploadError(ctx, account, download, err)
		return false
	}

	if filesUploaded == 0 {
		// Nothing passed the filter yet; keep the account DOWNLOADING and
		// let a later poll retry until the deadline decides.
		w.log.Infof("no files uploaded for %s from %s", download.Name(), account.ID())
		w.release(ctx, account)
		return false
	}

	snapshot := Snapshot{
		ID:   download.ID(),
		URL:  download.URL(),
		Name: download.Name(),
		Hash: download.Hash(),
	}
	if err := account.MarkAsCompleted(ctx); err != nil {
		w.log.WithError(err).Error("could not complete account")
		return false
	}
	w.log.Infof("uploaded %d files for %s", filesUploaded, snapshot.Name)
	w.hook.OnUploadComplete(ctx, account, snapshot, filesUploaded)
	return true
}

// release puts a polled account back into DOWNLOADING after a short pause
// so freshly released accounts are not immediately re-claimed in a tight
// loop.
func (w *Worker) release(ctx context.Context, account *Account) {
	if err := account.Unlock(ctx, store.AccountDownloading); err != nil {
		w.log.WithError(err).Error("could not release account")
	}
	_ = sleepCtx(ctx, w.cfg.PollBackoff)
}
