package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
	"github.com/rssbox/rssbox/internal/torrents"
)

// testMagnet has a fixed infohash so assertions can name it.
const (
	testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"
	testHash   = "0123456789ABCDEF0123456789ABCDEF01234567"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		FilterExtensions:         []string{"mkv", "mp4"},
		DownloadTimeout:          time.Hour,
		DownloadRetries:          3,
		DownloadAddVerifyTimeout: 2 * time.Second,
		DownloadCheckTimeout:     5 * time.Second,
		DownloadStartTimeout:     5 * time.Second,
		ErrorRecordExpiry:        time.Hour,
		TimeoutRecordExpiry:      time.Hour,
		HeartbeatInterval:        50 * time.Millisecond,
		ReaperInterval:           50 * time.Millisecond,
		PollBackoff:              time.Millisecond,
	}
}

// fakeSeedbox is an in-memory stand-in for the remote service. AddTorrent
// accepts any URI, registers the torrent under its derived hash and echoes
// the URI back, which is exactly the contract the pipeline verifies.
type fakeSeedbox struct {
	mu       sync.Mutex
	torrents map[string]seedbox.Torrent

	addErr  error
	listErr error

	purges int
}

func newFakeSeedbox() *fakeSeedbox {
	return &fakeSeedbox{torrents: make(map[string]seedbox.Torrent)}
}

var _ seedbox.Client = (*fakeSeedbox)(nil)

func (f *fakeSeedbox) AddTorrent(ctx context.Context, uri string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	if hash, err := torrents.CalculateHash(ctx, nil, uri); err == nil {
		f.torrents[hash] = seedbox.Torrent{Hash: hash, Name: uri}
	}
	return []string{uri}, nil
}

func (f *fakeSeedbox) ListTorrents(ctx context.Context) (seedbox.TorrentList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return seedbox.TorrentList{}, f.listErr
	}
	out := make(map[string]seedbox.Torrent, len(f.torrents))
	for hash, torrent := range f.torrents {
		out[hash] = torrent
	}
	return seedbox.TorrentList{Torrents: out}, nil
}

func (f *fakeSeedbox) DeleteTorrent(ctx context.Context, hash string, withFile bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.torrents, hash)
	return nil
}

func (f *fakeSeedbox) ClearStorage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return nil
}

func (f *fakeSeedbox) FileURL(ctx context.Context, folderFileID string) (string, error) {
	return "https://files.example/" + folderFileID, nil
}

func (f *fakeSeedbox) setProgress(hash string, progress float64, files ...seedbox.File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	torrent := f.torrents[hash]
	torrent.Hash = hash
	torrent.Progress = progress
	torrent.Files = files
	f.torrents[hash] = torrent
}

func (f *fakeSeedbox) remove(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.torrents, hash)
}

// fakeFiles counts uploads and returns a scripted result.
type fakeFiles struct {
	mu      sync.Mutex
	uploads int
	count   int
	err     error
}

func (f *fakeFiles) Upload(ctx context.Context, download *store.Download, torrent *seedbox.Torrent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return f.count, f.err
}

type testEnv struct {
	store   *store.Memory
	seedbox *fakeSeedbox
	files   *fakeFiles
	cfg     *config.Config
	worker  *Worker
}

func newTestEnv(workerID string) *testEnv {
	env := &testEnv{
		store:   store.NewMemory(),
		seedbox: newFakeSeedbox(),
		files:   &fakeFiles{count: 1},
		cfg:     testConfig(),
	}
	factory := func(account *store.Account) seedbox.Client { return env.seedbox }
	env.worker = NewWorker(workerID, env.store, factory, env.files, NewDefaultHook(testLogger()), env.cfg, testLogger())
	return env
}

func (e *testEnv) account(id string) *Account {
	doc, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return NewAccount(e.store, e.cfg, testLogger(), e.seedbox, doc)
}

func (e *testEnv) download(id string) *Download {
	doc, err := e.store.GetDownload(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return NewDownload(e.store, e.cfg, testLogger(), doc)
}
