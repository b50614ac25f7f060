// Package uploader owns the client-side token buffer and delivers it to
// the farm server: extend the buffer with each wave's tokens, POST the
// whole buffer, clear it only on HTTP 200. Any other outcome retains the
// buffer for the next wave, giving at-least-once delivery, made safe by
// the server's insert-if-absent semantics.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/runner"
)

// Uploader buffers captured tokens across waves and flushes them to the
// server.
type Uploader struct {
	serverURL   string
	exploitName string
	client      *http.Client
	logger      *zap.Logger

	mu     sync.Mutex
	buffer []runner.Token
}

// ExploitName derives exploit_name: the exploit file's basename stripped
// of its first extension.
func ExploitName(exploitPath string) string {
	base := filepath.Base(exploitPath)
	if idx := strings.Index(base, "."); idx >= 0 {
		return base[:idx]
	}
	return base
}

// New builds an Uploader for one exploit, posting to serverURL.
func New(serverURL, exploitPath string, logger *zap.Logger) *Uploader {
	return &Uploader{
		serverURL:   serverURL,
		exploitName: ExploitName(exploitPath),
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// Extend appends a wave's tokens to the buffer.
func (u *Uploader) Extend(tokens []runner.Token) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buffer = append(u.buffer, tokens...)
}

type payloadEntry struct {
	Flag string `json:"flag"`
	TS   int64  `json:"ts"`
}

// Flush attempts a single upload of the full buffer, retrying transient
// HTTP/network failures with exponential backoff up to maxElapsed. On
// success (HTTP 200) the buffer is cleared; any other outcome leaves it
// intact for the next wave's Flush call.
func (u *Uploader) Flush(ctx context.Context, maxElapsed time.Duration) error {
	u.mu.Lock()
	if len(u.buffer) == 0 {
		u.mu.Unlock()
		return nil
	}
	snapshot := make([]runner.Token, len(u.buffer))
	copy(snapshot, u.buffer)
	u.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	err := backoff.Retry(func() error {
		return u.post(ctx, snapshot)
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		u.logger.Warn("flag upload failed, keeping buffer for next wave",
			zap.Int("buffered", len(snapshot)), zap.Error(err))
		return err
	}

	u.mu.Lock()
	// Only drop the prefix we actually flushed: tokens appended by a
	// concurrent wave while this Flush was in flight must survive.
	if len(u.buffer) >= len(snapshot) {
		u.buffer = u.buffer[len(snapshot):]
	} else {
		u.buffer = nil
	}
	u.mu.Unlock()
	return nil
}

func (u *Uploader) post(ctx context.Context, tokens []runner.Token) error {
	entries := make([]payloadEntry, len(tokens))
	for i, t := range tokens {
		entries[i] = payloadEntry{Flag: t.Flag, TS: t.TS}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshaling tokens: %w", err))
	}

	url := fmt.Sprintf("%s/api/flags/%s", strings.TrimRight(u.serverURL, "/"), u.exploitName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting flags: %w", err) // transient, retry
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
