package torrents

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateHashFromMagnet(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Some+Show"
	hash, err := CalculateHash(context.Background(), nil, uri)
	require.NoError(t, err)
	require.Equal(t, "0123456789ABCDEF0123456789ABCDEF01234567", hash)
}

func TestCalculateHashFromHostedTorrent(t *testing.T) {
	// A minimal single-file torrent; the infohash is the sha1 of the raw
	// info dictionary bytes.
	info := "d6:lengthi1e4:name1:a12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae"
	torrentFile := "d4:info" + info + "e"
	sum := sha1.Sum([]byte(info))
	want := strings.ToUpper(hex.EncodeToString(sum[:]))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(torrentFile))
	}))
	defer server.Close()

	hash, err := CalculateHash(context.Background(), server.Client(), server.URL+"/file.torrent")
	require.NoError(t, err)
	require.Equal(t, want, hash)
}

func TestCalculateHashRejectsBadInput(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a torrent</html>"))
	}))
	defer garbage.Close()

	cases := []struct {
		name string
		uri  string
	}{
		{"unsupported scheme", "ftp://example.com/file.torrent"},
		{"malformed magnet", "magnet:?xt=urn:btih:nothex"},
		{"http 404", notFound.URL},
		{"not bencode", garbage.URL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CalculateHash(context.Background(), http.DefaultClient, tc.uri)
			require.Error(t, err)

			var hashErr *HashError
			require.True(t, errors.As(err, &hashErr), "every failure must be a HashError")
			require.Equal(t, tc.uri, hashErr.URI)
		})
	}
}
