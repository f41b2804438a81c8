package store

import "time"

// DownloadStatus is the lifecycle state of a work item. PENDING is the only
// claimable state; ERROR, TIMEOUT, TOO_LARGE and INVALID_TORRENT are
// terminal and carry an expiry.
type DownloadStatus string

const (
	DownloadPending        DownloadStatus = "PENDING"
	DownloadProcessing     DownloadStatus = "PROCESSING"
	DownloadError          DownloadStatus = "ERROR"
	DownloadTimeout        DownloadStatus = "TIMEOUT"
	DownloadTooLarge       DownloadStatus = "TOO_LARGE"
	DownloadInvalidTorrent DownloadStatus = "INVALID_TORRENT"
)

// Terminal reports whether the status ends a download's lifecycle.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case DownloadError, DownloadTimeout, DownloadTooLarge, DownloadInvalidTorrent:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state of a seedbox account.
type AccountStatus string

const (
	AccountIdle        AccountStatus = "IDLE"
	AccountProcessing  AccountStatus = "PROCESSING"  // claimed, torrent not yet submitted
	AccountDownloading AccountStatus = "DOWNLOADING" // submitted, awaiting completion
	AccountLocked      AccountStatus = "LOCKED"      // a worker is polling it
	AccountUploading   AccountStatus = "UPLOADING"   // a worker is uploading its files
)

// Download is a work item: one URL to fetch remotely and re-upload.
type Download struct {
	ID       string         `bson:"_id"`
	URL      string         `bson:"url"`
	Name     string         `bson:"name"`
	Status   DownloadStatus `bson:"status"`
	Hash     string         `bson:"hash,omitempty"`
	LockedBy string         `bson:"locked_by,omitempty"`
	Retries  int            `bson:"retries,omitempty"`
	ExpireAt *time.Time     `bson:"expire_at,omitempty"`
}

// Account is a seedbox credential pool entry. The login doubles as the
// document id.
type Account struct {
	ID            string        `bson:"_id"`
	Password      string        `bson:"password"`
	Token         string        `bson:"token,omitempty"`
	Priority      int           `bson:"priority,omitempty"`
	Status        AccountStatus `bson:"status,omitempty"`
	DownloadID    string        `bson:"download_id,omitempty"`
	LockedBy      string        `bson:"locked_by,omitempty"`
	AddedAt       *time.Time    `bson:"added_at,omitempty"`
	LastCheckedAt *time.Time    `bson:"last_checked_at,omitempty"`
	LastUsedAt    *time.Time    `bson:"last_used_at,omitempty"`
}

// Worker is the liveness record a running process maintains.
type Worker struct {
	ID            string    `bson:"_id"`
	LastHeartbeat time.Time `bson:"last_heartbeat"`
}

// FeedCursor tracks which entries of one feed have already been ingested.
type FeedCursor struct {
	ID        string     `bson:"_id"` // md5 of the feed URL
	URL       string     `bson:"url"`
	Seen      []string   `bson:"seen,omitempty"`
	CheckedAt *time.Time `bson:"checked_at,omitempty"`
}
