// Package upload moves the files of a completed torrent from the seedbox
// to their destination.
package upload

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
)

// FileHandler re-uploads a finished torrent's files. Implementations must
// be idempotent: the reaper can send a crashed UPLOADING account back
// through the poll loop, so the same torrent may be uploaded twice.
// Returning 0 keeps the account in DOWNLOADING for another poll.
type FileHandler interface {
	Upload(ctx context.Context, download *store.Download, torrent *seedbox.Torrent) (int, error)
}

// Noop ignores everything. Useful for download-only deployments.
type Noop struct{}

func (Noop) Upload(ctx context.Context, download *store.Download, torrent *seedbox.Torrent) (int, error) {
	return 0, nil
}

// SelectFiles picks the torrent files worth uploading: extension on the
// allow-list (falling back to the name's extension when the reported one
// is not) and at least minSize bytes.
func SelectFiles(cfg *config.Config, torrent *seedbox.Torrent, minSize int64) []seedbox.File {
	var out []seedbox.File
	for _, file := range torrent.Files {
		if file.Size < minSize {
			continue
		}
		if cfg.AllowsExtension(file.Extension) {
			out = append(out, file)
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(file.Name), ".")
		if ext != "" && cfg.AllowsExtension(ext) {
			file.Extension = ext
			file.Name = strings.TrimSuffix(file.Name, "."+ext)
			out = append(out, file)
		}
	}
	return out
}
