package rss

import (
	"context"
	"math/rand"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/pipeline"
	"github.com/rssbox/rssbox/internal/store"
)

// checkInterval is the cadence of feed polls.
const checkInterval = time.Minute

// Service runs one watcher per configured feed.
type Service struct {
	watchers []*Watcher
	log      logrus.FieldLogger
}

func NewService(urls []string, s store.Store, callback Callback, log logrus.FieldLogger) *Service {
	svc := &Service{log: log}
	for _, url := range urls {
		svc.watchers = append(svc.watchers, NewWatcher(url, s, callback, log))
	}
	return svc
}

// Run polls every feed until the context ends. First checks are staggered
// so a fleet of workers does not hammer the feeds in lockstep.
func (s *Service) Run(ctx context.Context) error {
	for _, w := range s.watchers {
		go s.watch(ctx, w)
	}
	<-ctx.Done()
	return nil
}

func (s *Service) watch(ctx context.Context, w *Watcher) {
	jitter := time.Duration(rand.Intn(60)) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	check := func() {
		if err := w.Check(ctx); err != nil {
			s.log.WithError(err).Error("feed check failed")
		}
	}

	check()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Ingest builds the standard callback: each entry passes through the hook
// and becomes a pending download. Insertion failures are logged and do not
// block the rest of the batch or the cursor commit.
func Ingest(s store.Store, hook pipeline.Hook, log logrus.FieldLogger) Callback {
	return func(ctx context.Context, entries []*gofeed.Item) bool {
		log.Infof("%d new entries", len(entries))
		for _, entry := range entries {
			entry, ok := hook.OnNewEntry(entry)
			if !ok {
				continue
			}
			if _, err := s.InsertDownload(ctx, entry.Title, entry.Link); err != nil {
				log.WithError(err).Errorf("could not ingest %s", entry.Title)
			}
		}
		return true
	}
}
