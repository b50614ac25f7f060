// Package config builds the server's runtime Config once at startup from
// farm.yml and FARM_<KEY> environment variables, env taking precedence over
// YAML, YAML over built-in defaults. There is no lazy lookup at use-site:
// every field is materialized and validated by Load.
package config

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ctfops/flagfarm/internal/ferrors"
)

// SystemType selects the upstream game-system wire protocol.
type SystemType string

const SystemForcAD SystemType = "forcad"

// Config holds the fully-resolved server configuration.
type Config struct {
	PasswordHash [32]byte
	Teams        []string
	SystemURL    string
	TeamToken    string
	SystemType   SystemType

	FlagFormat        string
	flagRegexp        *regexp.Regexp
	FlagLifetimeTicks int
	TickDuration      time.Duration
	SubmitPeriod      time.Duration
	SubmitTimeout     time.Duration
	BatchLimit        int

	DatabaseType string // "sqlite" or "postgres", selects the internal/database backend
	Database     string
	Address      string
	Port         int

	SecretKey []byte

	HfiSource string
	HfiCache  string
}

// FlagRegexp returns the compiled, fully-anchored flag_format pattern used
// to validate ingested flags.
func (c *Config) FlagRegexp() *regexp.Regexp {
	return c.flagRegexp
}

// Lifetime returns LIFETIME = flag_lifetime_ticks * tick_duration.
func (c *Config) Lifetime() time.Duration {
	return time.Duration(c.FlagLifetimeTicks) * c.TickDuration
}

var rangeRegexp = regexp.MustCompile(`\{([0-9]+)\.\.([0-9]+)\}`)

// source resolves a single config key: FARM_<KEY> env first, then farm.yml
// (hyphenated key), then "not found".
type source struct {
	yamlData map[string]any
}

func newSource(logger *zap.Logger) *source {
	data, err := os.ReadFile("farm.yml")
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no farm.yml found, relying on environment and defaults")
		} else {
			logger.Error("could not read farm.yml", zap.Error(err))
		}
		return &source{yamlData: map[string]any{}}
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		logger.Error("could not parse farm.yml, ignoring it", zap.Error(err))
		parsed = map[string]any{}
	}
	return &source{yamlData: parsed}
}

func (s *source) get(key string) (string, bool) {
	if v := os.Getenv("FARM_" + strings.ToUpper(key)); v != "" {
		return v, true
	}
	yamlKey := strings.ReplaceAll(key, "_", "-")
	if v, ok := s.yamlData[yamlKey]; ok {
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}

func (s *source) getDefault(key, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

func (s *source) getIntDefault(key string, def int) int {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Load resolves the server configuration, returning ferrors.ErrConfigMissing
// wrapped with the offending key for any required value absent from both
// env and YAML.
func Load(logger *zap.Logger) (*Config, error) {
	// Best-effort dev convenience; a missing .env is not an error.
	_ = godotenv.Load()

	s := newSource(logger)
	cfg := &Config{}

	password, ok := s.get("password")
	if !ok {
		return nil, fmt.Errorf("password: %w", ferrors.ErrConfigMissing)
	}
	cfg.PasswordHash = sha256.Sum256([]byte(password))

	teamsRaw, ok := s.get("teams")
	if !ok {
		return nil, fmt.Errorf("teams: %w", ferrors.ErrConfigMissing)
	}
	cfg.Teams = ExpandTeams(teamsRaw)
	if len(cfg.Teams) == 0 {
		return nil, fmt.Errorf("teams: expanded to zero entries: %w", ferrors.ErrConfigMissing)
	}

	systemURL, ok := s.get("system_url")
	if !ok {
		return nil, fmt.Errorf("system_url: %w", ferrors.ErrConfigMissing)
	}
	if !strings.Contains(systemURL, "://") {
		return nil, fmt.Errorf("system_url %q: no protocol specified: %w", systemURL, ferrors.ErrConfigMissing)
	}
	cfg.SystemURL = systemURL

	cfg.TeamToken, _ = s.get("team_token")
	cfg.SystemType = SystemType(s.getDefault("system_type", string(SystemForcAD)))

	cfg.FlagFormat = s.getDefault("flag_format", "[A-Z0-9]{31}=")
	re, err := regexp.Compile("^(?:" + cfg.FlagFormat + ")$")
	if err != nil {
		return nil, fmt.Errorf("flag_format %q: %w: %v", cfg.FlagFormat, ferrors.ErrConfigMissing, err)
	}
	cfg.flagRegexp = re

	cfg.FlagLifetimeTicks = s.getIntDefault("flag_lifetime", 5)
	cfg.TickDuration = time.Duration(s.getIntDefault("tick_duration", 120)) * time.Second
	cfg.SubmitPeriod = time.Duration(s.getIntDefault("submit_period", 10)) * time.Second
	cfg.SubmitTimeout = time.Duration(s.getIntDefault("submit_timeout", 10)) * time.Second
	cfg.BatchLimit = s.getIntDefault("batch_limit", 1000)

	cfg.DatabaseType = s.getDefault("database_type", "sqlite")
	cfg.Database = s.getDefault("database", ":memory:")
	if cfg.Database == ":memory:" {
		logger.Warn("using an in-memory database: all flag state is lost on restart")
	}

	cfg.Address = s.getDefault("address", "0.0.0.0")
	cfg.Port = s.getIntDefault("port", 6969)

	if secretKey, ok := s.get("secret_key"); ok {
		cfg.SecretKey = []byte(secretKey)
	} else {
		logger.Warn("no secret_key configured, generating an ephemeral one; sessions will not survive a restart")
		cfg.SecretKey = randomSecret(32)
	}

	cfg.HfiSource = s.getDefault("hfi_source", "../hfi")
	cfg.HfiCache = s.getDefault("hfi_cache", "../hfi-cache")

	return cfg, nil
}

// ExpandTeams expands the "{lo..hi}" range syntax in a team name template.
// Multiple ranges in the same template expand combinatorially (Cartesian
// product), e.g. "team-{1..2}.{1..2}" yields 4 entries. A template with no
// range placeholder is returned as a single-element slice.
func ExpandTeams(template string) []string {
	values := []string{template}
	matches := rangeRegexp.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return values
	}
	for _, m := range matches {
		placeholder := m[0]
		lo, errLo := strconv.Atoi(m[1])
		hi, errHi := strconv.Atoi(m[2])
		if errLo != nil || errHi != nil || lo > hi {
			continue
		}
		next := make([]string, 0, len(values)*(hi-lo+1))
		for _, v := range values {
			for i := lo; i <= hi; i++ {
				next = append(next, strings.Replace(v, placeholder, strconv.Itoa(i), 1))
			}
		}
		values = next
	}
	return values
}

func randomSecret(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("config: reading random secret: %w", err))
	}
	return b
}
