package hfi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client fetches the server's artifact when the client's local copy is
// stale. Spawning the downloaded binary is out of scope here; this covers
// only the download half.
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient builds an hfi download client against the farm server.
func NewClient(serverURL string) *Client {
	return &Client{serverURL: serverURL, http: &http.Client{Timeout: 30 * time.Second}}
}

type timestampResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// FetchIfStale downloads GET /hfi/<os>/<arch> into localPath if the
// server's reported timestamp is newer than localPath's, or localPath
// doesn't exist. Returns the local path actually in place afterwards.
func (c *Client) FetchIfStale(ctx context.Context, reqOS, reqArch, localPath string) (string, error) {
	remoteTS, err := c.timestamp(ctx, reqOS, reqArch)
	if err != nil {
		return "", fmt.Errorf("querying hfi timestamp: %w", err)
	}

	if info, err := os.Stat(localPath); err == nil && info.ModTime().Unix() >= remoteTS {
		return localPath, nil
	}

	if err := c.download(ctx, reqOS, reqArch, localPath); err != nil {
		return "", fmt.Errorf("downloading hfi artifact: %w", err)
	}
	return localPath, nil
}

func (c *Client) timestamp(ctx context.Context, reqOS, reqArch string) (int64, error) {
	url := fmt.Sprintf("%s/hfi/%s/%s/timestamp", c.serverURL, reqOS, reqArch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server returned %s", resp.Status)
	}
	var ts timestampResponse
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return 0, err
	}
	return ts.Timestamp, nil
}

func (c *Client) download(ctx context.Context, reqOS, reqArch, localPath string) error {
	url := fmt.Sprintf("%s/hfi/%s/%s", c.serverURL, reqOS, reqArch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}
