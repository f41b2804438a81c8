// Package torrents derives the 40-hex content identifier a seedbox reports
// for a download URI, so submitted torrents can be matched against the
// account's torrent list.
package torrents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// maxTorrentSize bounds how much of a .torrent file we are willing to read.
const maxTorrentSize = 16 << 20

// HashError wraps any failure to derive a hash from a URI. The default hook
// treats it as a permanently invalid torrent.
type HashError struct {
	URI string
	Err error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("torrents: cannot derive hash for %s: %v", e.URI, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// CalculateHash returns the uppercase infohash for a magnet link or a
// hosted .torrent file. Magnet URIs are parsed for their btih parameter;
// http(s) URIs are fetched, bdecoded, and hashed over the info dictionary.
func CalculateHash(ctx context.Context, client *http.Client, uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "magnet:"):
		m, err := metainfo.ParseMagnetUri(uri)
		if err != nil {
			return "", &HashError{URI: uri, Err: err}
		}
		return strings.ToUpper(m.InfoHash.HexString()), nil
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		hash, err := fetchTorrentHash(ctx, client, uri)
		if err != nil {
			return "", &HashError{URI: uri, Err: err}
		}
		return hash, nil
	default:
		return "", &HashError{URI: uri, Err: fmt.Errorf("unsupported scheme")}
	}
}

func fetchTorrentHash(ctx context.Context, client *http.Client, uri string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch torrent: %s", resp.Status)
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentSize))
	if err != nil {
		return "", fmt.Errorf("bdecode torrent: %w", err)
	}
	return strings.ToUpper(mi.HashInfoBytes().HexString()), nil
}
