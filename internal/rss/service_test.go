package rss

import (
	"context"
	"io"
	"testing"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/pipeline"
	"github.com/rssbox/rssbox/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// dropEverySecond filters entries by an alternating toggle, standing in for
// a provider hook with an opinion.
type dropEverySecond struct {
	*pipeline.DefaultHook
	n int
}

func (h *dropEverySecond) OnNewEntry(entry *gofeed.Item) (*gofeed.Item, bool) {
	h.n++
	if h.n%2 == 0 {
		return nil, false
	}
	return entry, true
}

func TestIngestCreatesPendingDownloads(t *testing.T) {
	s := store.NewMemory()
	callback := Ingest(s, pipeline.NewDefaultHook(testLogger()), testLogger())

	ok := callback(context.Background(), []*gofeed.Item{
		{Title: "episode 1", Link: "https://example.com/1.torrent"},
		{Title: "episode 2", Link: "https://example.com/2.torrent"},
		{Title: "episode 2 again", Link: "https://example.com/2.torrent"},
	})
	require.True(t, ok)

	downloads, err := s.ListDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, downloads, 2, "duplicate urls collapse onto one download")
	for _, d := range downloads {
		require.Equal(t, store.DownloadPending, d.Status)
	}
}

func TestIngestHonoursHookFilter(t *testing.T) {
	s := store.NewMemory()
	hook := &dropEverySecond{DefaultHook: pipeline.NewDefaultHook(testLogger())}
	callback := Ingest(s, hook, testLogger())

	ok := callback(context.Background(), []*gofeed.Item{
		{Title: "keep", Link: "https://example.com/1"},
		{Title: "drop", Link: "https://example.com/2"},
		{Title: "keep too", Link: "https://example.com/3"},
	})
	require.True(t, ok)

	downloads, err := s.ListDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, downloads, 2)
}
