// Package hooks collects the provider-specific pipeline policies.
package hooks

import (
	"context"
	"regexp"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/pipeline"
)

// tgxCategories is the allow-list of feed categories worth ingesting.
var tgxCategories = regexp.MustCompile(`(?i)(TV|Movies)\s*:\s*(Episodes\s*HD|Packs|HD|CAM/TS|4K\s*UHD|Bollywood)`)

// tgxNotFoundGrace: a torrent that vanishes from the account within this
// window was rejected by the seedbox for its size rather than lost.
const tgxNotFoundGrace = 5 * time.Minute

// TGX adapts the pipeline to the TGX feed provider, which mixes in
// categories we do not carry and silently drops oversized torrents.
type TGX struct {
	*pipeline.DefaultHook
	log logrus.FieldLogger
}

var _ pipeline.Hook = (*TGX)(nil)

func NewTGX(log logrus.FieldLogger) *TGX {
	return &TGX{DefaultHook: pipeline.NewDefaultHook(log), log: log}
}

func (h *TGX) OnNewEntry(entry *gofeed.Item) (*gofeed.Item, bool) {
	for _, category := range entry.Categories {
		if tgxCategories.MatchString(category) {
			return h.DefaultHook.OnNewEntry(entry)
		}
	}
	return nil, false
}

func (h *TGX) OnDownloadNotFound(ctx context.Context, account *pipeline.Account, download *pipeline.Download) bool {
	if taken := account.TimeTaken(ctx); taken < tgxNotFoundGrace {
		h.log.Warnf("stopping large download %s from %s after %s", download.Name(), account.ID(), taken.Round(time.Second))
		if err := download.MarkAsTooLarge(ctx); err != nil {
			h.log.WithError(err).Error("could not park too-large download")
		}
		if err := account.MarkAsIdle(ctx); err != nil {
			h.log.WithError(err).Error("could not idle account")
		}
		return false
	}
	return h.DefaultHook.OnDownloadNotFound(ctx, account, download)
}

// ForName resolves a hook by its configured name.
func ForName(name string, log logrus.FieldLogger) pipeline.Hook {
	switch name {
	case "tgx":
		return NewTGX(log)
	default:
		return pipeline.NewDefaultHook(log)
	}
}
