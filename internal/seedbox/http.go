package seedbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPClient implements Client over the seedbox REST API. Sessions are
// token-based: the token is read through the TokenStore, refreshed with the
// account password on a 401, and written back so other workers reuse it.
type HTTPClient struct {
	baseURL  string
	email    string
	password string
	tokens   TokenStore
	http     *http.Client
	log      logrus.FieldLogger

	token string
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, email, password string, tokens TokenStore, log logrus.FieldLogger) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		email:    email,
		password: password,
		tokens:   tokens,
		http:     &http.Client{Timeout: 60 * time.Second},
		log:      log.WithField("account", email),
	}
}

func (c *HTTPClient) AddTorrent(ctx context.Context, uri string) ([]string, error) {
	var out struct {
		URLs []string `json:"urls"`
	}
	err := c.do(ctx, http.MethodPost, "/torrents", map[string]any{"urls": []string{uri}}, &out)
	if err != nil {
		return nil, err
	}
	return out.URLs, nil
}

func (c *HTTPClient) ListTorrents(ctx context.Context) (TorrentList, error) {
	var out TorrentList
	if err := c.do(ctx, http.MethodGet, "/torrents", nil, &out); err != nil {
		return TorrentList{}, err
	}
	if out.Torrents == nil {
		out.Torrents = map[string]Torrent{}
	}
	return out, nil
}

func (c *HTTPClient) DeleteTorrent(ctx context.Context, hash string, withFile bool) error {
	path := fmt.Sprintf("/torrents/%s?with_file=%t", url.PathEscape(hash), withFile)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) ClearStorage(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/storage/clear", nil, nil)
}

func (c *HTTPClient) FileURL(ctx context.Context, folderFileID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	path := "/files/" + url.PathEscape(folderFileID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// do sends one authenticated request, refreshing the session token once on
// a 401 before giving up with ErrAuth.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.sessionToken(ctx, false)
	if err != nil {
		return err
	}

	status, err := c.send(ctx, method, path, token, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log.Debug("session token rejected, logging in again")
		token, err = c.sessionToken(ctx, true)
		if err != nil {
			return err
		}
		status, err = c.send(ctx, method, path, token, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s %s", ErrAuth, method, path)
		}
	}
	return statusError(status, method, path)
}

func (c *HTTPClient) send(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSeedboxDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) sessionToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if c.token != "" {
			return c.token, nil
		}
		token, err := c.tokens.ReadToken(ctx, c.email)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			c.token = token
			return token, nil
		}
	}

	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	if err := c.tokens.WriteToken(ctx, c.email, token); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

func (c *HTTPClient) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSeedboxDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: login rejected for %s", ErrAuth, c.email)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %s", ErrSeedboxDown, resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token for %s", ErrAuth, c.email)
	}
	return out.Token, nil
}

func statusError(status int, method, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestEntityTooLarge:
		return ErrTooLargeTorrent
	case status >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrSeedboxDown, method, path, status)
	default:
		return fmt.Errorf("seedbox: %s %s returned %d", method, path, status)
	}
}
