package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInsertDownloadIsIdempotentPerURL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.InsertDownload(ctx, "Show S01E01", "magnet:?xt=urn:btih:aa")
	require.NoError(t, err)

	second, err := m.InsertDownload(ctx, "Show S01E01 (repost)", "magnet:?xt=urn:btih:aa")
	require.NoError(t, err)
	require.Equal(t, first, second)

	downloads, err := m.ListDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	require.Equal(t, DownloadPending, downloads[0].Status)
}

func TestClaimPendingDownloadIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := m.InsertDownload(ctx, "item", fmt.Sprintf("url-%d", i))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				d, err := m.ClaimPendingDownload(ctx, worker)
				if err != nil || d == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[d.ID]; dup {
					t.Errorf("download %s claimed by both %s and %s", d.ID, prev, worker)
				}
				claimed[d.ID] = worker
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	require.Len(t, claimed, total)
}

func TestClaimPendingSkipsLockedAndTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.InsertDownload(ctx, "locked", "url-1")
	require.NoError(t, err)
	d, err := m.GetDownload(ctx, id)
	require.NoError(t, err)
	d.LockedBy = "other"
	require.NoError(t, m.SaveDownload(ctx, d))

	id2, err := m.InsertDownload(ctx, "failed", "url-2")
	require.NoError(t, err)
	d2, err := m.GetDownload(ctx, id2)
	require.NoError(t, err)
	d2.Status = DownloadError
	require.NoError(t, m.SaveDownload(ctx, d2))

	got, err := m.ClaimPendingDownload(ctx, "me")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, m.UnlockDownload(ctx, id))
	got, err = m.ClaimPendingDownload(ctx, "me")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, id, got.ID)
	require.Equal(t, "me", got.LockedBy)
}

func TestClaimFreeAccountPrefersPriorityThenLeastRecentlyUsed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)

	m.SeedAccount(&Account{ID: "low-old", Priority: 0, LastUsedAt: &old})
	m.SeedAccount(&Account{ID: "high-recent", Priority: 5, LastUsedAt: &recent})
	m.SeedAccount(&Account{ID: "high-old", Priority: 5, LastUsedAt: &old})

	a, err := m.ClaimFreeAccount(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "high-old", a.ID)
	require.Equal(t, AccountProcessing, a.Status)
	require.Equal(t, "w1", a.LockedBy)
	require.NotNil(t, a.LastUsedAt)

	// Never-used accounts jump the queue within a priority band.
	m.SeedAccount(&Account{ID: "high-fresh", Priority: 5})
	b, err := m.ClaimFreeAccount(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "high-fresh", b.ID)
}

func TestClaimDownloadingAccountRotatesByLastChecked(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	early := time.Now().UTC().Add(-10 * time.Minute)
	late := time.Now().UTC().Add(-1 * time.Minute)
	m.SeedAccount(&Account{ID: "a", Status: AccountDownloading, LastCheckedAt: &late})
	m.SeedAccount(&Account{ID: "b", Status: AccountDownloading, LastCheckedAt: &early})
	m.SeedAccount(&Account{ID: "c", Status: AccountIdle})

	got, err := m.ClaimDownloadingAccount(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "b", got.ID)
	require.Equal(t, AccountLocked, got.Status)

	// The claimed account is LOCKED now, so the next claim takes the other.
	got, err = m.ClaimDownloadingAccount(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	got, err = m.ClaimDownloadingAccount(ctx, "w3")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveAccountStateDoesNotTouchToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SeedAccount(&Account{ID: "acc", Token: "session-1"})

	a, err := m.GetAccount(ctx, "acc")
	require.NoError(t, err)
	a.Status = AccountDownloading
	a.Token = "should-be-ignored"
	require.NoError(t, m.SaveAccountState(ctx, a))

	got, err := m.GetAccount(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, AccountDownloading, got.Status)
	require.Equal(t, "session-1", got.Token)

	require.NoError(t, m.SetAccountToken(ctx, "acc", "session-2"))
	got, err = m.GetAccount(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, "session-2", got.Token)
	require.Equal(t, AccountDownloading, got.Status)
}

func TestStaleWorkerQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, m.UpsertWorker(ctx, "alive", now))
	require.NoError(t, m.UpsertWorker(ctx, "dead", now.Add(-5*time.Minute)))

	stale, err := m.StaleWorkerIDs(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"dead"}, stale)

	n, err := m.DeleteWorkers(ctx, stale)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	workers, err := m.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "alive", workers[0].ID)
}

func TestOrphanedAccountsAndDownloads(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	threshold := now.Add(-time.Minute)
	require.NoError(t, m.UpsertWorker(ctx, "alive", now))

	m.SeedAccount(&Account{ID: "held", Status: AccountLocked, LockedBy: "alive"})
	m.SeedAccount(&Account{ID: "orphan-gone", Status: AccountUploading, LockedBy: "vanished"})
	m.SeedAccount(&Account{ID: "orphan-proc", Status: AccountProcessing, LockedBy: "vanished"})
	m.SeedAccount(&Account{ID: "downloading", Status: AccountDownloading})

	orphans, err := m.OrphanedAccounts(ctx, nil, threshold)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	require.Equal(t, "orphan-gone", orphans[0].ID)
	require.Equal(t, "orphan-proc", orphans[1].ID)

	id, err := m.InsertDownload(ctx, "held", "u1")
	require.NoError(t, err)
	d, _ := m.GetDownload(ctx, id)
	d.LockedBy = "vanished"
	require.NoError(t, m.SaveDownload(ctx, d))

	id2, err := m.InsertDownload(ctx, "safe", "u2")
	require.NoError(t, err)
	d2, _ := m.GetDownload(ctx, id2)
	d2.LockedBy = "alive"
	require.NoError(t, m.SaveDownload(ctx, d2))

	ids, err := m.OrphanedDownloadIDs(ctx, nil, threshold)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	n, err := m.RequeueDownloads(ctx, ids)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	d, _ = m.GetDownload(ctx, id)
	require.Equal(t, DownloadPending, d.Status)
	require.Empty(t, d.LockedBy)
}

func TestProcessingWithoutAccount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	attached, err := m.InsertDownload(ctx, "attached", "u1")
	require.NoError(t, err)
	detached, err := m.InsertDownload(ctx, "detached", "u2")
	require.NoError(t, err)

	for _, id := range []string{attached, detached} {
		d, _ := m.GetDownload(ctx, id)
		d.Status = DownloadProcessing
		require.NoError(t, m.SaveDownload(ctx, d))
	}
	m.SeedAccount(&Account{ID: "acc", Status: AccountDownloading, DownloadID: attached})

	ids, err := m.ProcessingWithoutAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{detached}, ids)
}

func TestFeedCursorRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.FeedCursor(ctx, "feed-1")
	require.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, m.SaveFeedCursor(ctx, &FeedCursor{
		ID:        "feed-1",
		URL:       "https://example.com/rss",
		Seen:      []string{"a", "b"},
		CheckedAt: &now,
	}))

	c, err := m.FeedCursor(ctx, "feed-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, c.Seen)

	// The returned cursor is a copy; mutating it must not leak back.
	c.Seen[0] = "mutated"
	again, err := m.FeedCursor(ctx, "feed-1")
	require.NoError(t, err)
	require.Equal(t, "a", again.Seen[0])
}
