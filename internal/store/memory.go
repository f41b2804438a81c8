package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. A single mutex makes every operation
// linearisable, which is exactly the guarantee the Mongo adapter gets from
// findOneAndUpdate. It backs the test harness and is not meant for
// multi-process deployments.
type Memory struct {
	mu        sync.Mutex
	downloads map[string]*Download
	accounts  map[string]*Account
	workers   map[string]*Worker
	cursors   map[string]*FeedCursor
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		downloads: make(map[string]*Download),
		accounts:  make(map[string]*Account),
		workers:   make(map[string]*Worker),
		cursors:   make(map[string]*FeedCursor),
	}
}

func copyDownload(d *Download) *Download {
	out := *d
	if d.ExpireAt != nil {
		t := *d.ExpireAt
		out.ExpireAt = &t
	}
	return &out
}

func copyAccount(a *Account) *Account {
	out := *a
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		c := *t
		return &c
	}
	out.AddedAt = copyTime(a.AddedAt)
	out.LastCheckedAt = copyTime(a.LastCheckedAt)
	out.LastUsedAt = copyTime(a.LastUsedAt)
	return &out
}

func (m *Memory) InsertDownload(ctx context.Context, name, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.downloads {
		if d.URL == url {
			return d.ID, nil
		}
	}
	id := uuid.NewString()
	m.downloads[id] = &Download{ID: id, URL: url, Name: name, Status: DownloadPending}
	return id, nil
}

func (m *Memory) GetDownload(ctx context.Context, id string) (*Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDownload(d), nil
}

func (m *Memory) SaveDownload(ctx context.Context, d *Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[d.ID] = copyDownload(d)
	return nil
}

func (m *Memory) DeleteDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.downloads, id)
	return nil
}

func (m *Memory) ListDownloads(ctx context.Context) ([]Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, *copyDownload(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClaimPendingDownload(ctx context.Context, workerID string) (*Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Download
	for _, d := range m.downloads {
		if d.Status == DownloadPending && d.LockedBy == "" {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	d := candidates[0]
	d.LockedBy = workerID
	return copyDownload(d), nil
}

func (m *Memory) UnlockDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.downloads[id]; ok {
		d.LockedBy = ""
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(a), nil
}

// SeedAccount inserts an account directly; tests and provisioning use it.
func (m *Memory) SeedAccount(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = copyAccount(a)
}

func (m *Memory) SaveAccountState(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accounts[a.ID]
	if !ok {
		m.accounts[a.ID] = copyAccount(a)
		return nil
	}
	cur.Status = a.Status
	cur.DownloadID = a.DownloadID
	cur.LockedBy = a.LockedBy
	cur.Priority = a.Priority
	if a.AddedAt != nil {
		t := *a.AddedAt
		cur.AddedAt = &t
	} else {
		cur.AddedAt = nil
	}
	if a.LastCheckedAt != nil {
		t := *a.LastCheckedAt
		cur.LastCheckedAt = &t
	}
	return nil
}

func (m *Memory) SetAccountToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Token = token
		return nil
	}
	m.accounts[id] = &Account{ID: id, Token: token}
	return nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ClaimFreeAccount(ctx context.Context, workerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Account
	for _, a := range m.accounts {
		if a.Status == AccountIdle || a.Status == "" {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i], candidates[j]
		if ai.Priority != aj.Priority {
			return ai.Priority > aj.Priority
		}
		// Never used sorts before least recently used.
		switch {
		case ai.LastUsedAt == nil && aj.LastUsedAt == nil:
			return ai.ID < aj.ID
		case ai.LastUsedAt == nil:
			return true
		case aj.LastUsedAt == nil:
			return false
		default:
			return ai.LastUsedAt.Before(*aj.LastUsedAt)
		}
	})
	a := candidates[0]
	now := time.Now().UTC()
	a.Status = AccountProcessing
	a.LockedBy = workerID
	a.LastUsedAt = &now
	return copyAccount(a), nil
}

func (m *Memory) ClaimDownloadingAccount(ctx context.Context, workerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Account
	for _, a := range m.accounts {
		if a.Status == AccountDownloading && a.LockedBy == "" {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i], candidates[j]
		switch {
		case ai.LastCheckedAt == nil && aj.LastCheckedAt == nil:
			return ai.ID < aj.ID
		case ai.LastCheckedAt == nil:
			return true
		case aj.LastCheckedAt == nil:
			return false
		default:
			return ai.LastCheckedAt.Before(*aj.LastCheckedAt)
		}
	})
	a := candidates[0]
	now := time.Now().UTC()
	a.Status = AccountLocked
	a.LockedBy = workerID
	a.LastCheckedAt = &now
	return copyAccount(a), nil
}

func (m *Memory) UpsertWorker(ctx context.Context, id string, heartbeat time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = &Worker{ID: id, LastHeartbeat: heartbeat}
	return nil
}

func (m *Memory) DeleteWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	return nil
}

func (m *Memory) ListWorkers(ctx context.Context) ([]Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) StaleWorkerIDs(ctx context.Context, olderThan time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, w := range m.workers {
		if w.LastHeartbeat.Before(olderThan) {
			ids = append(ids, w.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) DeleteWorkers(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.workers[id]; ok {
			delete(m.workers, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) lockerGone(lockedBy string, staleIDs []string, olderThan time.Time) bool {
	for _, id := range staleIDs {
		if lockedBy == id {
			return true
		}
	}
	w, ok := m.workers[lockedBy]
	if !ok {
		return true
	}
	return w.LastHeartbeat.Before(olderThan)
}

func (m *Memory) OrphanedAccounts(ctx context.Context, staleIDs []string, olderThan time.Time) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		switch a.Status {
		case AccountProcessing, AccountUploading, AccountLocked:
		default:
			continue
		}
		if m.lockerGone(a.LockedBy, staleIDs, olderThan) {
			out = append(out, *copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReleaseAccount(ctx context.Context, id string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Status = status
		a.LockedBy = ""
	}
	return nil
}

func (m *Memory) OrphanedDownloadIDs(ctx context.Context, staleIDs []string, olderThan time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, d := range m.downloads {
		if d.Status != DownloadPending && d.Status != DownloadProcessing {
			continue
		}
		if d.LockedBy == "" {
			continue
		}
		if m.lockerGone(d.LockedBy, staleIDs, olderThan) {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ProcessingWithoutAccount(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[string]struct{})
	for _, a := range m.accounts {
		if a.DownloadID != "" {
			referenced[a.DownloadID] = struct{}{}
		}
	}
	var ids []string
	for _, d := range m.downloads {
		if d.Status != DownloadProcessing {
			continue
		}
		if _, ok := referenced[d.ID]; !ok {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) RequeueDownloads(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		d, ok := m.downloads[id]
		if !ok {
			continue
		}
		d.Status = DownloadPending
		d.LockedBy = ""
		n++
	}
	return n, nil
}

func (m *Memory) FeedCursor(ctx context.Context, id string) (*FeedCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	out.Seen = append([]string(nil), c.Seen...)
	return &out, nil
}

func (m *Memory) SaveFeedCursor(ctx context.Context, c *FeedCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Seen = append([]string(nil), c.Seen...)
	m.cursors[c.ID] = &cp
	return nil
}

// WithTransaction just runs fn: every Memory operation is already atomic,
// and the pipeline orders its paired writes for crash recovery regardless.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *Memory) Close(ctx context.Context) error { return nil }
