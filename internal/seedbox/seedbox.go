// Package seedbox talks to the remote seedbox service that performs the
// actual torrent downloads, one authenticated session per account.
package seedbox

import (
	"context"
	"errors"

	"github.com/rssbox/rssbox/internal/store"
)

var (
	// ErrTooLargeTorrent means the torrent exceeds the account's storage.
	// Terminal per item; the default hook maps it to TOO_LARGE.
	ErrTooLargeTorrent = errors.New("seedbox: torrent too large")
	// ErrSeedboxDown covers transport faults and 5xx responses. Transient.
	ErrSeedboxDown = errors.New("seedbox: service unavailable")
	// ErrURLMismatch means the service echoed back a different URL than we
	// submitted.
	ErrURLMismatch = errors.New("seedbox: echoed url does not match")
	// ErrAuth is an unrecoverable credential failure. It is the one error
	// allowed to escape the orchestrator loops and kill the worker.
	ErrAuth = errors.New("seedbox: authentication failed")
)

// File is one downloadable file inside a finished torrent.
type File struct {
	Name         string `json:"name"`
	Extension    string `json:"extension"`
	Size         int64  `json:"size"`
	DownloadURL  string `json:"download_url"`
	FolderFileID string `json:"folder_file_id"`
}

// Torrent is the remote view of a submitted download.
type Torrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Progress float64 `json:"progress"` // 0-100
	Files    []File  `json:"files"`
}

// TorrentList maps uppercase infohash to torrent.
type TorrentList struct {
	Torrents map[string]Torrent `json:"torrents"`
}

// Client is one account's session with the seedbox.
type Client interface {
	// AddTorrent submits a magnet or torrent URL and returns the URLs the
	// service acknowledged.
	AddTorrent(ctx context.Context, uri string) ([]string, error)
	ListTorrents(ctx context.Context) (TorrentList, error)
	DeleteTorrent(ctx context.Context, hash string, withFile bool) error
	ClearStorage(ctx context.Context) error
	// FileURL resolves a direct download link for a file id.
	FileURL(ctx context.Context, folderFileID string) (string, error)
}

// Factory builds a Client for an account. The orchestrator never caches
// clients across claims; tokens live on the account document.
type Factory func(account *store.Account) Client

// TokenStore persists session credentials between processes.
type TokenStore interface {
	ReadToken(ctx context.Context, accountID string) (string, error)
	WriteToken(ctx context.Context, accountID, token string) error
}

// Purge removes every torrent (with files) from the account and clears its
// storage, freeing space before a new submission.
func Purge(ctx context.Context, c Client) error {
	list, err := c.ListTorrents(ctx)
	if err != nil {
		return err
	}
	for hash := range list.Torrents {
		if err := c.DeleteTorrent(ctx, hash, true); err != nil {
			return err
		}
	}
	return c.ClearStorage(ctx)
}
