package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/rssbox/rssbox/internal/config"
	"github.com/rssbox/rssbox/internal/seedbox"
	"github.com/rssbox/rssbox/internal/store"
)

// Webhook fetches each selected file into the local download directory and
// posts it as multipart form data to a webhook endpoint. Re-posting the
// same file is harmless on the receiving side, which keeps the handler
// idempotent. The download directory is flock-guarded so two workers on
// one host cannot clean up each other's partial files.
type Webhook struct {
	cfg        *config.Config
	webhookURL string
	dir        string
	minSize    int64
	http       *http.Client
	log        logrus.FieldLogger
}

var _ FileHandler = (*Webhook)(nil)

// lockRetryDelay paces attempts on the download-dir lock.
const lockRetryDelay = 500 * time.Millisecond

func NewWebhook(cfg *config.Config, log logrus.FieldLogger) *Webhook {
	return &Webhook{
		cfg:        cfg,
		webhookURL: cfg.UploadWebhookURL,
		dir:        cfg.DownloadPath,
		http:       &http.Client{Timeout: 30 * time.Minute},
		log:        log,
	}
}

func (h *Webhook) Upload(ctx context.Context, download *store.Download, torrent *seedbox.Torrent) (int, error) {
	files := SelectFiles(h.cfg, torrent, h.minSize)
	if len(files) == 0 {
		h.log.Infof("nothing uploadable in %s", download.Name)
		return 0, nil
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	dirLock := flock.New(filepath.Join(h.dir, ".rssbox.lock"))
	locked, err := dirLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return 0, fmt.Errorf("lock download dir: %w", err)
	}
	if !locked {
		return 0, fmt.Errorf("lock download dir: not acquired")
	}
	defer dirLock.Unlock()

	count := 0
	for _, file := range files {
		h.log.Infof("uploading %s (%d bytes)", file.Name, file.Size)
		if err := h.uploadFile(ctx, download, file); err != nil {
			return count, fmt.Errorf("upload %s: %w", file.Name, err)
		}
		count++
	}
	return count, nil
}

func (h *Webhook) uploadFile(ctx context.Context, download *store.Download, file seedbox.File) error {
	path, err := h.fetch(ctx, file)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	return h.post(ctx, download, path)
}

// fetch streams the seedbox file into the download directory.
func (h *Webhook) fetch(ctx context.Context, file seedbox.File) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: %s", resp.Status)
	}

	fallback := file.Name
	if file.Extension != "" {
		fallback += "." + file.Extension
	}
	return saveResponse(resp, h.dir, fallback)
}

// post sends the local file to the webhook as multipart form data.
func (h *Webhook) post(ctx context.Context, download *store.Download, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		err := func() error {
			if err := writer.WriteField("content", download.Name); err != nil {
				return err
			}
			part, err := writer.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, src); err != nil {
				return err
			}
			return writer.Close()
		}()
		pipeWriter.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, pipeReader)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, body)
	}
	return nil
}
