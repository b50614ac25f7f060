// Package hfi serves the host-faking-interceptor helper binary: a static
// os/arch target-triple map, a build cache keyed by source vs.
// cached-binary modification time, and checker-record bookkeeping for the
// hfi table. A missing or stale artifact is built by running `cargo build`
// in the source tree; the toolchain itself is an external collaborator,
// and this package owns the cache/serve contract around that step.
package hfi

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/ferrors"
)

// targets is the static {os: {arch: triple}} map of supported build targets.
var targets = map[string]map[string]string{
	"linux": {
		"x86_64": "x86_64-unknown-linux-gnu",
	},
}

type cacheEntry struct {
	path  string
	mtime time.Time
}

// Store serves platform-specific artifacts and owns the hfi checker table.
type Store struct {
	sourcePath string
	cacheDir   string
	conn       *sql.DB
	postgres   bool
	logger     *zap.Logger
	cache      *lru.Cache[string, cacheEntry]
}

// New builds a Store. sourcePath is the helper's source tree, cacheDir
// holds compiled artifacts.
func New(sourcePath, cacheDir string, conn *sql.DB, postgres bool, logger *zap.Logger) (*Store, error) {
	cache, err := lru.New[string, cacheEntry](64)
	if err != nil {
		return nil, fmt.Errorf("building hfi cache: %w", err)
	}
	return &Store{sourcePath: sourcePath, cacheDir: cacheDir, conn: conn, postgres: postgres, logger: logger, cache: cache}, nil
}

// targetTriple resolves a target triple for (os, arch), or ok=false for an
// unsupported platform.
func targetTriple(reqOS, reqArch string) (string, bool) {
	archs, ok := targets[reqOS]
	if !ok {
		return "", false
	}
	triple, ok := archs[reqArch]
	return triple, ok
}

// BinaryPath returns the cached binary path for (os, arch), building it if
// the cache is missing or stale relative to the source tree.
func (s *Store) BinaryPath(reqOS, reqArch string) (string, error) {
	triple, ok := targetTriple(reqOS, reqArch)
	if !ok {
		return "", fmt.Errorf("no target triple for %s/%s: %w", reqOS, reqArch, ferrors.ErrNotFound)
	}

	key := reqOS + "/" + reqArch
	binName := fmt.Sprintf("hfi-%s-%s", reqOS, reqArch)
	if reqOS == "windows" {
		binName += ".exe"
	}
	binPath := filepath.Join(s.cacheDir, binName)

	srcInfo, err := os.Stat(s.sourcePath)
	if err != nil {
		return "", fmt.Errorf("accessing hfi source path %q: %w", s.sourcePath, err)
	}

	if entry, ok := s.cache.Get(key); ok && entry.path == binPath {
		if !srcInfo.ModTime().After(entry.mtime) {
			if _, err := os.Stat(binPath); err == nil {
				return binPath, nil
			}
		}
	}

	binInfo, err := os.Stat(binPath)
	stale := err != nil || binInfo.ModTime().Before(srcInfo.ModTime())
	if stale {
		if err := s.build(triple, binPath); err != nil {
			return "", fmt.Errorf("building hfi for %s: %w", triple, err)
		}
		binInfo, err = os.Stat(binPath)
		if err != nil {
			return "", fmt.Errorf("stat after build: %w", err)
		}
	}

	s.cache.Add(key, cacheEntry{path: binPath, mtime: binInfo.ModTime()})
	return binPath, nil
}

// Timestamp returns the cached binary's modification time, as unix seconds.
func (s *Store) Timestamp(reqOS, reqArch string) (int64, error) {
	path, err := s.BinaryPath(reqOS, reqArch)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", path, err)
	}
	return info.ModTime().Unix(), nil
}

// build invokes the toolchain-specific compile step and atomically moves
// the artifact into the cache. The cargo invocation itself is treated as
// an external collaborator; this wires the cache-placement contract
// around it.
func (s *Store) build(triple, binPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "cargo", "build", "--release", "--target", triple)
	cmd.Dir = s.sourcePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		s.logger.Error("hfi build failed", zap.String("triple", triple), zap.ByteString("output", out), zap.Error(err))
		return fmt.Errorf("cargo build: %w", err)
	}

	artifactPath := filepath.Join(s.sourcePath, "target", triple, "release", "hfi")
	if err := atomicMove(artifactPath, binPath); err != nil {
		return fmt.Errorf("moving built artifact: %w", err)
	}
	s.logger.Info("built hfi artifact", zap.String("triple", triple), zap.String("path", binPath))
	return nil
}

func atomicMove(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// Checker is one host-faking rule registered by an exploit author.
type Checker struct {
	ServiceName string
	Port        int
	Delta       string
}

func (s *Store) placeholder(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// AddCheckers inserts checker records, ignoring duplicates by delta (the
// table's primary key).
func (s *Store) AddCheckers(ctx context.Context, checkers []Checker) error {
	if len(checkers) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO hfi (service_name, port, delta) VALUES (%s, %s, %s) ON CONFLICT (delta) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	if !s.postgres {
		query = `INSERT OR IGNORE INTO hfi (service_name, port, delta) VALUES (?, ?, ?)`
	}
	stmt, err := s.conn.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare checker insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range checkers {
		if _, err := stmt.ExecContext(ctx, c.ServiceName, c.Port, c.Delta); err != nil {
			return fmt.Errorf("insert checker: %w", err)
		}
	}
	return nil
}

// Checkers returns port -> []delta, the shape the original host-faking
// interceptor consumes.
func (s *Store) Checkers(ctx context.Context) (map[int][]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT port, delta FROM hfi")
	if err != nil {
		return nil, fmt.Errorf("select checkers: %w", err)
	}
	defer rows.Close()

	out := map[int][]string{}
	for rows.Next() {
		var port int
		var delta string
		if err := rows.Scan(&port, &delta); err != nil {
			return nil, fmt.Errorf("scan checker row: %w", err)
		}
		out[port] = append(out[port], delta)
	}
	return out, rows.Err()
}
