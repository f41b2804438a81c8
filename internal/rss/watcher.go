// Package rss watches feeds and turns unseen entries into pending
// downloads. Deduplication is two-layered: a per-feed cursor of seen entry
// ids, and the unique url index on the downloads collection for entries
// that appear in more than one feed.
package rss

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/store"
)

// maxSeenEntries caps the cursor so it does not grow with feed history.
const maxSeenEntries = 500

// Callback receives the batch of new entries, oldest first. Returning
// false leaves the cursor uncommitted so the batch is redelivered on the
// next check.
type Callback func(ctx context.Context, entries []*gofeed.Item) bool

// Watcher tracks a single feed.
type Watcher struct {
	url      string
	store    store.Store
	parser   *gofeed.Parser
	callback Callback
	log      logrus.FieldLogger
}

func NewWatcher(url string, s store.Store, callback Callback, log logrus.FieldLogger) *Watcher {
	return &Watcher{
		url:      url,
		store:    s,
		parser:   gofeed.NewParser(),
		callback: callback,
		log:      log.WithField("feed", url),
	}
}

// ID is the stable cursor key for this feed.
func (w *Watcher) ID() string {
	sum := md5.Sum([]byte(w.url))
	return hex.EncodeToString(sum[:])
}

// Check fetches the feed once and delivers entries not yet recorded on the
// cursor. Seen ids are only committed after the callback confirms.
func (w *Watcher) Check(ctx context.Context) error {
	feed, err := w.parser.ParseURLWithContext(w.url, ctx)
	if err != nil {
		return fmt.Errorf("parse feed %s: %w", w.url, err)
	}

	cursor, err := w.store.FeedCursor(ctx, w.ID())
	if err != nil {
		if err != store.ErrNotFound {
			return fmt.Errorf("load feed cursor: %w", err)
		}
		cursor = &store.FeedCursor{ID: w.ID(), URL: w.url}
	}

	seen := make(map[string]struct{}, len(cursor.Seen))
	for _, id := range cursor.Seen {
		seen[id] = struct{}{}
	}

	var fresh []*gofeed.Item
	var freshKeys []string
	for _, item := range feed.Items {
		key := entryKey(item)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		fresh = append(fresh, item)
		freshKeys = append(freshKeys, key)
	}

	now := time.Now().UTC()
	cursor.CheckedAt = &now

	if len(fresh) == 0 {
		return w.store.SaveFeedCursor(ctx, cursor)
	}

	// Feeds list newest first; deliver oldest first.
	reverse(fresh)
	reverse(freshKeys)

	if !w.callback(ctx, fresh) {
		w.log.Warnf("callback declined %d entries, will redeliver", len(fresh))
		return nil
	}

	cursor.Seen = append(cursor.Seen, freshKeys...)
	if len(cursor.Seen) > maxSeenEntries {
		cursor.Seen = cursor.Seen[len(cursor.Seen)-maxSeenEntries:]
	}
	return w.store.SaveFeedCursor(ctx, cursor)
}

func entryKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
