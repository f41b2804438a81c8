package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/store"
)

func TestCleanRemovesStaleWorkers(t *testing.T) {
	env := newTestEnv("w1")
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, env.store.UpsertWorker(ctx, "alive", now))
	require.NoError(t, env.store.UpsertWorker(ctx, "dead", now.Add(-time.Hour)))

	reaper := NewReaper(env.store, env.cfg.HeartbeatInterval, env.cfg.ReaperInterval, testLogger())
	require.NoError(t, reaper.Clean(ctx))

	workers, err := env.store.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "alive", workers[0].ID)
}

func TestCleanReleasesOrphanedAccounts(t *testing.T) {
	env := newTestEnv("w1")
	ctx := context.Background()

	// A stale heartbeat is enough; the worker record need not be gone.
	require.NoError(t, env.store.UpsertWorker(ctx, "stale", time.Now().UTC().Add(-time.Hour)))

	env.store.SeedAccount(&store.Account{ID: "was-polling", Status: store.AccountLocked, LockedBy: "stale"})
	env.store.SeedAccount(&store.Account{ID: "was-uploading", Status: store.AccountUploading, LockedBy: "gone"})
	env.store.SeedAccount(&store.Account{ID: "was-submitting", Status: store.AccountProcessing, LockedBy: "gone"})

	reaper := NewReaper(env.store, env.cfg.HeartbeatInterval, env.cfg.ReaperInterval, testLogger())
	require.NoError(t, reaper.Clean(ctx))

	polling, _ := env.store.GetAccount(ctx, "was-polling")
	require.Equal(t, store.AccountDownloading, polling.Status)
	require.Empty(t, polling.LockedBy)

	uploading, _ := env.store.GetAccount(ctx, "was-uploading")
	require.Equal(t, store.AccountDownloading, uploading.Status)

	// PROCESSING never had a download attached, so it unwinds to IDLE.
	submitting, _ := env.store.GetAccount(ctx, "was-submitting")
	require.Equal(t, store.AccountIdle, submitting.Status)
}

func TestCleanRequeuesOrphanedDownloads(t *testing.T) {
	env := newTestEnv("w1")
	ctx := context.Background()

	id := insertDownload(t, env.store, "orphan", testMagnet)
	d, _ := env.store.GetDownload(ctx, id)
	d.LockedBy = "gone"
	require.NoError(t, env.store.SaveDownload(ctx, d))

	reaper := NewReaper(env.store, env.cfg.HeartbeatInterval, env.cfg.ReaperInterval, testLogger())
	require.NoError(t, reaper.Clean(ctx))

	got, _ := env.store.GetDownload(ctx, id)
	require.Equal(t, store.DownloadPending, got.Status)
	require.Empty(t, got.LockedBy)
}

func TestCleanRequeuesProcessingWithoutAccount(t *testing.T) {
	env := newTestEnv("w1")
	ctx := context.Background()

	// The crash window: download committed to PROCESSING, account write
	// never landed.
	detached := insertDownload(t, env.store, "detached", testMagnet)
	d, _ := env.store.GetDownload(ctx, detached)
	d.Status = store.DownloadProcessing
	d.Hash = testHash
	require.NoError(t, env.store.SaveDownload(ctx, d))

	attached := insertDownload(t, env.store, "attached", "magnet:?xt=urn:btih:ffffffffffffffffffffffffffffffffffffffff")
	d2, _ := env.store.GetDownload(ctx, attached)
	d2.Status = store.DownloadProcessing
	require.NoError(t, env.store.SaveDownload(ctx, d2))
	now := time.Now().UTC()
	require.NoError(t, env.store.UpsertWorker(ctx, "w1", now))
	env.store.SeedAccount(&store.Account{ID: "acc", Status: store.AccountDownloading, DownloadID: attached})

	reaper := NewReaper(env.store, env.cfg.HeartbeatInterval, env.cfg.ReaperInterval, testLogger())
	require.NoError(t, reaper.Clean(ctx))

	got, _ := env.store.GetDownload(ctx, detached)
	require.Equal(t, store.DownloadPending, got.Status)

	kept, _ := env.store.GetDownload(ctx, attached)
	require.Equal(t, store.DownloadProcessing, kept.Status)
}

func TestCleanLeavesLiveWorkersAlone(t *testing.T) {
	env := newTestEnv("w1")
	ctx := context.Background()

	require.NoError(t, env.store.UpsertWorker(ctx, "alive", time.Now().UTC()))
	env.store.SeedAccount(&store.Account{ID: "busy", Status: store.AccountLocked, LockedBy: "alive"})

	id := insertDownload(t, env.store, "claimed", testMagnet)
	d, _ := env.store.GetDownload(ctx, id)
	d.LockedBy = "alive"
	require.NoError(t, env.store.SaveDownload(ctx, d))

	reaper := NewReaper(env.store, env.cfg.HeartbeatInterval, env.cfg.ReaperInterval, testLogger())
	require.NoError(t, reaper.Clean(ctx))

	account, _ := env.store.GetAccount(ctx, "busy")
	require.Equal(t, store.AccountLocked, account.Status)
	require.Equal(t, "alive", account.LockedBy)

	got, _ := env.store.GetDownload(ctx, id)
	require.Equal(t, "alive", got.LockedBy)
}
