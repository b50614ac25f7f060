// Package clientconfig parses the exploit-runner CLI's flags and merges in
// the server's /api/config response once authenticated.
package clientconfig

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config holds the fully-resolved client configuration: CLI flags first,
// then server-side values merged in by Merge once the client authenticates.
type Config struct {
	ExploitPath      string
	ServerURL        string
	ServerPassword   string
	Timeout          time.Duration
	FailureThreshold int
	MaxFailures      int
	AlwaysRetry      bool
	FetchHfi         bool

	// Populated by Merge from GET /api/config.
	FlagFormat   string
	flagRegexp   *regexp.Regexp
	FlagLifetime time.Duration
	TickDuration time.Duration
	Teams        []string
}

// FlagRegexp returns the compiled flag_format pattern merged from the server.
func (c *Config) FlagRegexp() *regexp.Regexp {
	return c.flagRegexp
}

// Parse parses args into a Config, returning an error on a missing
// required flag or a malformed argument list. MustParse is the version
// that terminates the process on that error.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sploit", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.ServerURL, "server-url", "", "farm server base URL (required)")
	fs.StringVar(&cfg.ServerPassword, "server-pass", "", "farm server password (required)")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "per-exploit hard run timeout")
	fs.IntVar(&cfg.FailureThreshold, "failure-threshold", 4, "consecutive-failure threshold before probabilistic skip")
	fs.IntVar(&cfg.MaxFailures, "max-failures", 12, "failure counter ceiling")
	fs.BoolVar(&cfg.AlwaysRetry, "always-retry", false, "never apply the failure-counter skip")
	fs.BoolVar(&cfg.FetchHfi, "fetch-hfi", false, "download the helper artifact from the server once at startup")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one positional EXPLOIT argument, got %d", fs.NArg())
	}
	cfg.ExploitPath = fs.Arg(0)

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("missing required -server-url")
	}
	if cfg.ServerPassword == "" {
		return nil, fmt.Errorf("missing required -server-pass")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("-timeout must be positive")
	}
	if cfg.FailureThreshold < 0 || cfg.MaxFailures < cfg.FailureThreshold {
		return nil, fmt.Errorf("-max-failures must be >= -failure-threshold")
	}

	return cfg, nil
}

// MustParse is Parse but terminates the process on error, for use directly
// from main() where there's no sensible recovery.
func MustParse(args []string) *Config {
	cfg, err := Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sploit:", err)
		os.Exit(255)
	}
	return cfg
}

// ServerConfig is the shape of GET /api/config, shared with the server's
// internal/api response encoder.
type ServerConfig struct {
	FlagFormat   string   `json:"flagFormat"`
	FlagLifetime int      `json:"flagLifetime"`
	TickDuration int      `json:"tickDuration"`
	Teams        []string `json:"teams"`
}

// Merge folds the server's reported runtime config into cfg. FlagRegexp is
// deliberately left unanchored: runner.Run extracts every flag occurrence
// from a subprocess's combined stdout with FindAllString, so anchoring it
// to the whole buffer would keep it from ever matching output that prints
// anything besides the flag itself.
func (c *Config) Merge(sc ServerConfig) error {
	re, err := regexp.Compile("(?m)" + sc.FlagFormat)
	if err != nil {
		return fmt.Errorf("server returned invalid flag format %q: %w", sc.FlagFormat, err)
	}
	c.FlagFormat = sc.FlagFormat
	c.flagRegexp = re
	c.TickDuration = time.Duration(sc.TickDuration) * time.Second
	c.FlagLifetime = time.Duration(sc.FlagLifetime) * c.TickDuration
	c.Teams = sc.Teams
	return nil
}
