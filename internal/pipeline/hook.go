package pipeline

import (
	"context"
	"errors"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/torrents"
)

// Hook is the policy surface at the pipeline's decision points. Feed
// providers differ in what counts as a tolerated versus fatal condition;
// implementations override individual callbacks and fall back to
// DefaultHook for the rest. Compose, don't inherit.
type Hook interface {
	// OnNewEntry filters or rewrites a feed entry before ingestion.
	// Returning false drops the entry.
	OnNewEntry(entry *gofeed.Item) (*gofeed.Item, bool)

	// OnDownloadNotFound fires when a submitted torrent has vanished from
	// the account. True means reset and retry; false means the hook has
	// already driven the terminal state.
	OnDownloadNotFound(ctx context.Context, account *Account, download *Download) bool

	// OnDownloadTimeout is advisory; the download is already parked.
	OnDownloadTimeout(ctx context.Context, download *Download)

	// OnBeforeUploadError decides whether an upload failure is soft (no
	// retry burn) or hard.
	OnBeforeUploadError(ctx context.Context, account *Account, download *Download, err error) bool

	// OnAfterUploadError is advisory, invoked after the failure state is
	// persisted.
	OnAfterUploadError(ctx context.Context, account *Account, download *Download, err error)

	// OnUploadComplete is advisory. The download snapshot is taken before
	// deletion.
	OnUploadComplete(ctx context.Context, account *Account, download Snapshot, filesUploaded int)

	// OnAddDownloadError fires when submission fails after retries. True
	// means release both sides for a later attempt; false means the hook
	// has already driven the terminal state.
	OnAddDownloadError(ctx context.Context, account *Account, download *Download, err error) bool
}

// Snapshot is the last observed state of a download handed to advisory
// callbacks after the record itself may already be deleted.
type Snapshot struct {
	ID   string
	URL  string
	Name string
	Hash string
}

// DefaultHook is the stock policy: permanently bad torrents are parked
// with a TTL, everything else is released for another attempt.
type DefaultHook struct {
	Log logrus.FieldLogger
}

var _ Hook = (*DefaultHook)(nil)

func NewDefaultHook(log logrus.FieldLogger) *DefaultHook {
	return &DefaultHook{Log: log}
}

func (h *DefaultHook) OnNewEntry(entry *gofeed.Item) (*gofeed.Item, bool) {
	return entry, true
}

func (h *DefaultHook) OnDownloadNotFound(ctx context.Context, account *Account, download *Download) bool {
	return true
}

func (h *DefaultHook) OnDownloadTimeout(ctx context.Context, download *Download) {}

func (h *DefaultHook) OnBeforeUploadError(ctx context.Context, account *Account, download *Download, err error) bool {
	return false
}

func (h *DefaultHook) OnAfterUploadError(ctx context.Context, account *Account, download *Download, err error) {
}

func (h *DefaultHook) OnUploadComplete(ctx context.Context, account *Account, download Snapshot, filesUploaded int) {
}

func (h *DefaultHook) OnAddDownloadError(ctx context.Context, account *Account, download *Download, err error) bool {
	var hashErr *torrents.HashError
	switch {
	case errors.Is(err, seedbox.ErrTooLargeTorrent):
		if err := download.MarkAsTooLarge(ctx); err != nil {
			h.Log.WithError(err).Error("could not park too-large download")
		}
		if err := account.MarkAsIdle(ctx); err != nil {
			h.Log.WithError(err).Error("could not idle account")
		}
		return false
	case errors.As(err, &hashErr):
		if err := download.MarkAsInvalidTorrent(ctx); err != nil {
			h.Log.WithError(err).Error("could not park invalid torrent")
		}
		if err := account.MarkAsIdle(ctx); err != nil {
			h.Log.WithError(err).Error("could not idle account")
		}
		return false
	default:
		return true
	}
}
