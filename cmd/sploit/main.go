// Command sploit is the flag farm's exploit runner client: it authenticates
// against the farm server, merges in the server's runtime config, then
// drives the wave scheduler against one exploit until interrupted. Process
// wiring uses stdlib flag parsing and signal-driven shutdown via a
// canceled context.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/clientconfig"
	"github.com/ctfops/flagfarm/internal/hfi"
	"github.com/ctfops/flagfarm/internal/logging"
	"github.com/ctfops/flagfarm/internal/runner"
	"github.com/ctfops/flagfarm/internal/scheduler"
	"github.com/ctfops/flagfarm/internal/uploader"
)

func main() {
	cfg := clientconfig.MustParse(os.Args[1:])

	logger, err := logging.New(os.Getenv("FARM_DEV") != "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "sploit: building logger:", err)
		os.Exit(255)
	}
	defer logger.Sync()

	if err := runClient(cfg, logger); err != nil {
		logger.Error("sploit exiting", zap.Error(err))
		os.Exit(255)
	}
}

func runClient(cfg *clientconfig.Config, logger *zap.Logger) error {
	if err := runner.CheckExploit(cfg.ExploitPath); err != nil {
		return fmt.Errorf("exploit self-check: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("building cookie jar: %w", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 15 * time.Second}

	if err := authenticate(httpClient, cfg.ServerURL, cfg.ServerPassword); err != nil {
		return fmt.Errorf("authenticating against %s: %w", cfg.ServerURL, err)
	}
	serverCfg, err := fetchServerConfig(httpClient, cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("fetching server config: %w", err)
	}
	if err := cfg.Merge(*serverCfg); err != nil {
		return fmt.Errorf("merging server config: %w", err)
	}

	if cfg.FetchHfi {
		localPath := fmt.Sprintf("./hfi-%s-%s", runtime.GOOS, runtime.GOARCH)
		hfiClient := hfi.NewClient(cfg.ServerURL)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		path, err := hfiClient.FetchIfStale(ctx, runtime.GOOS, runtime.GOARCH, localPath)
		cancel()
		if err != nil {
			logger.Warn("hfi fetch failed, continuing without it", zap.Error(err))
		} else {
			logger.Info("hfi artifact ready", zap.String("path", path))
		}
	}

	interpreter, err := selectInterpreter(cfg.ExploitPath)
	if err != nil {
		return fmt.Errorf("selecting interpreter: %w", err)
	}

	up := uploader.New(cfg.ServerURL, cfg.ExploitPath, logger)
	exploitRunner := runner.New(cfg.ExploitPath, interpreter, cfg.Timeout, cfg.FlagRegexp())
	sched := scheduler.New(func(ctx context.Context, team string) runner.Result {
		return exploitRunner.Run(ctx, team)
	}, cfg.FailureThreshold, cfg.MaxFailures, cfg.AlwaysRetry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, stopping after current wave", zap.String("signal", sig.String()))
		cancel()
	}()

	deadline := time.Duration(float64(cfg.TickDuration) * 0.5)
	wave := 0
	for ctx.Err() == nil {
		wave++
		logger.Info("wave starting", zap.Int("wave", wave), zap.Int("teams", len(cfg.Teams)))

		// The wave runs to completion even after a signal; each run is
		// still bounded by its own timeout.
		result := sched.RunWave(context.WithoutCancel(ctx), cfg.Teams, logger)
		up.Extend(result.Tokens)

		logger.Info("wave finished",
			zap.Int("wave", wave),
			zap.Int("tokens", len(result.Tokens)),
			zap.Int("failures", result.Failures),
			zap.Int("skipped", result.Skipped),
			zap.Duration("duration", result.Duration))

		if err := up.Flush(ctx, cfg.Timeout); err != nil {
			logger.Warn("upload failed, buffer retained for next wave", zap.Error(err))
		}

		sched.Recompute(len(cfg.Teams), deadline, result.Duration, logger)

		select {
		case <-ctx.Done():
		case <-time.After(sleepUntilNextWave(deadline, result.Duration)):
		}
	}

	logger.Info("sploit stopped cleanly", zap.Int("waves_run", wave))
	return nil
}

// selectInterpreter picks how to invoke the exploit: an executable file is
// run directly; a script requires a recognized extension mapped to an
// interpreter, and anything else is refused rather than guessed at.
func selectInterpreter(exploitPath string) (string, error) {
	info, err := os.Stat(exploitPath)
	if err != nil {
		return "", fmt.Errorf("stat exploit: %w", err)
	}
	if info.Mode()&0o111 != 0 {
		return "", nil
	}
	switch {
	case strings.HasSuffix(exploitPath, ".py"):
		return "python3", nil
	case strings.HasSuffix(exploitPath, ".sh"):
		return "sh", nil
	default:
		return "", fmt.Errorf("exploit %q is not executable and has no recognized interpreter extension", exploitPath)
	}
}

func sleepUntilNextWave(deadline, lastWave time.Duration) time.Duration {
	remaining := deadline - lastWave
	if remaining < 0 {
		return 0
	}
	return remaining
}

func authenticate(client *http.Client, serverURL, password string) error {
	body, _ := json.Marshal(map[string]string{"password": password})
	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

func fetchServerConfig(client *http.Client, serverURL string) (*clientconfig.ServerConfig, error) {
	resp, err := client.Get(serverURL + "/api/config")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	var sc clientconfig.ServerConfig
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding server config: %w", err)
	}
	return &sc, nil
}
