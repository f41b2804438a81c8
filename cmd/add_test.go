package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDownloadURL(t *testing.T) {
	require.NoError(t, validateDownloadURL("magnet:?xt=urn:btih:aa"))
	require.NoError(t, validateDownloadURL("https://example.com/file.torrent"))
	require.NoError(t, validateDownloadURL("http://example.com/file.torrent"))
	require.Error(t, validateDownloadURL("ftp://example.com/file.torrent"))
	require.Error(t, validateDownloadURL("not a url at all"))
}

func TestNameFromURL(t *testing.T) {
	cases := map[string]string{
		"magnet:?xt=urn:btih:aa&dn=Some+Show+S01":   "Some Show S01",
		"https://example.com/downloads/ep1.torrent": "ep1",
		"https://example.com/downloads/ep1":         "ep1",
		"https://example.com/":                      "https://example.com/",
	}
	for url, want := range cases {
		require.Equal(t, want, nameFromURL(url), url)
	}
}
