// Package store provides typed access to the shared document database that
// coordinates every worker process. All state transitions in the pipeline
// go through a Store; the three Claim operations are single linearisable
// conditional updates, which is what makes leader-less contention safe.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups when no document matches.
var ErrNotFound = errors.New("store: not found")

// Store is the adapter over the four collections (downloads, accounts,
// workers, watchrss). Mongo implements it for production; Memory implements
// it for tests and gives identical observable semantics.
type Store interface {
	// InsertDownload creates a PENDING download. A collision on the unique
	// url index is absorbed: the existing document's id is returned.
	InsertDownload(ctx context.Context, name, url string) (string, error)
	GetDownload(ctx context.Context, id string) (*Download, error)
	// SaveDownload persists the full mutable state of d. Fields that are
	// empty on d are cleared on the document.
	SaveDownload(ctx context.Context, d *Download) error
	DeleteDownload(ctx context.Context, id string) error
	ListDownloads(ctx context.Context) ([]Download, error)

	// ClaimPendingDownload atomically locks one PENDING, unlocked download
	// for workerID. Returns nil when nothing is claimable.
	ClaimPendingDownload(ctx context.Context, workerID string) (*Download, error)
	// UnlockDownload clears locked_by without touching status.
	UnlockDownload(ctx context.Context, id string) error

	GetAccount(ctx context.Context, id string) (*Account, error)
	// SaveAccountState persists the pipeline-owned fields of a (status,
	// added_at, download_id, locked_by, priority, last_checked_at). The
	// token is deliberately excluded so a concurrent credential refresh is
	// never clobbered; use SetAccountToken for that.
	SaveAccountState(ctx context.Context, a *Account) error
	SetAccountToken(ctx context.Context, id, token string) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// ClaimFreeAccount atomically moves one IDLE (or status-less) account
	// to PROCESSING under workerID, stamping last_used_at. Preference:
	// highest priority, then least recently used.
	ClaimFreeAccount(ctx context.Context, workerID string) (*Account, error)
	// ClaimDownloadingAccount atomically moves one unlocked DOWNLOADING
	// account to LOCKED under workerID, stamping last_checked_at. Least
	// recently checked first, for fairness.
	ClaimDownloadingAccount(ctx context.Context, workerID string) (*Account, error)

	UpsertWorker(ctx context.Context, id string, heartbeat time.Time) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]Worker, error)

	// Reaper support.
	StaleWorkerIDs(ctx context.Context, olderThan time.Time) ([]string, error)
	DeleteWorkers(ctx context.Context, ids []string) (int64, error)
	// OrphanedAccounts returns accounts in PROCESSING, UPLOADING or LOCKED
	// whose locked_by worker is gone, stale, or listed in staleIDs.
	OrphanedAccounts(ctx context.Context, staleIDs []string, olderThan time.Time) ([]Account, error)
	ReleaseAccount(ctx context.Context, id string, status AccountStatus) error
	// OrphanedDownloadIDs returns PENDING or PROCESSING downloads locked by
	// a gone or stale worker.
	OrphanedDownloadIDs(ctx context.Context, staleIDs []string, olderThan time.Time) ([]string, error)
	// ProcessingWithoutAccount returns PROCESSING downloads no account
	// references via download_id: the crash window between the paired
	// download/account writes.
	ProcessingWithoutAccount(ctx context.Context) ([]string, error)
	RequeueDownloads(ctx context.Context, ids []string) (int64, error)

	FeedCursor(ctx context.Context, id string) (*FeedCursor, error)
	SaveFeedCursor(ctx context.Context, c *FeedCursor) error

	// WithTransaction runs fn with a context that groups its writes into
	// one transaction where the backend supports it. Callers must order
	// writes so a crash between them is recoverable by the reaper anyway.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Close(ctx context.Context) error
}
