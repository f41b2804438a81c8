package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/store"
)

type feedItem struct {
	title string
	link  string
	guid  string
}

// feedServer serves an RSS document that tests mutate between checks.
// Items are listed newest first, the way real feeds do.
type feedServer struct {
	mu    sync.Mutex
	items []feedItem
	srv   *httptest.Server
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>test feed</title>`)
		for i := len(f.items) - 1; i >= 0; i-- {
			item := f.items[i]
			fmt.Fprintf(&b, `<item><title>%s</title><link>%s</link><guid>%s</guid></item>`,
				item.title, item.link, item.guid)
		}
		b.WriteString(`</channel></rss>`)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(b.String()))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) publish(items ...feedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
}

func (f *feedServer) url() string { return f.srv.URL }

type recordingCallback struct {
	mu      sync.Mutex
	batches [][]string
	accept  bool
}

func (c *recordingCallback) fn() Callback {
	return func(ctx context.Context, entries []*gofeed.Item) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		var titles []string
		for _, e := range entries {
			titles = append(titles, e.Title)
		}
		c.batches = append(c.batches, titles)
		return c.accept
	}
}

func TestWatcherDeliversNewEntriesOldestFirst(t *testing.T) {
	feed := newFeedServer(t)
	feed.publish(
		feedItem{"episode 1", "https://example.com/1", "guid-1"},
		feedItem{"episode 2", "https://example.com/2", "guid-2"},
	)

	s := store.NewMemory()
	cb := &recordingCallback{accept: true}
	w := NewWatcher(feed.url(), s, cb.fn(), testLogger())

	require.NoError(t, w.Check(context.Background()))
	require.Equal(t, [][]string{{"episode 1", "episode 2"}}, cb.batches)

	// Nothing new: no callback.
	require.NoError(t, w.Check(context.Background()))
	require.Len(t, cb.batches, 1)

	feed.publish(feedItem{"episode 3", "https://example.com/3", "guid-3"})
	require.NoError(t, w.Check(context.Background()))
	require.Equal(t, []string{"episode 3"}, cb.batches[1])
}

func TestWatcherRedeliversWhenCallbackDeclines(t *testing.T) {
	feed := newFeedServer(t)
	feed.publish(feedItem{"episode 1", "https://example.com/1", "guid-1"})

	s := store.NewMemory()
	cb := &recordingCallback{accept: false}
	w := NewWatcher(feed.url(), s, cb.fn(), testLogger())

	require.NoError(t, w.Check(context.Background()))
	require.NoError(t, w.Check(context.Background()))
	require.Len(t, cb.batches, 2, "declined entries must be redelivered")

	cb.accept = true
	require.NoError(t, w.Check(context.Background()))
	require.Len(t, cb.batches, 3)

	require.NoError(t, w.Check(context.Background()))
	require.Len(t, cb.batches, 3, "accepted entries must not come back")
}

func TestWatcherCapsTheSeenList(t *testing.T) {
	feed := newFeedServer(t)
	for i := 0; i < maxSeenEntries+50; i++ {
		feed.publish(feedItem{
			fmt.Sprintf("episode %d", i),
			fmt.Sprintf("https://example.com/%d", i),
			fmt.Sprintf("guid-%d", i),
		})
	}

	s := store.NewMemory()
	cb := &recordingCallback{accept: true}
	w := NewWatcher(feed.url(), s, cb.fn(), testLogger())
	require.NoError(t, w.Check(context.Background()))

	cursor, err := s.FeedCursor(context.Background(), w.ID())
	require.NoError(t, err)
	require.Len(t, cursor.Seen, maxSeenEntries)
	// The newest ids survive the trim.
	require.Equal(t, fmt.Sprintf("guid-%d", maxSeenEntries+49), cursor.Seen[len(cursor.Seen)-1])
}

func TestWatcherIDIsStablePerURL(t *testing.T) {
	s := store.NewMemory()
	a := NewWatcher("https://example.com/rss", s, nil, testLogger())
	b := NewWatcher("https://example.com/rss", s, nil, testLogger())
	c := NewWatcher("https://example.com/other", s, nil, testLogger())
	require.Equal(t, a.ID(), b.ID())
	require.NotEqual(t, a.ID(), c.ID())
}
