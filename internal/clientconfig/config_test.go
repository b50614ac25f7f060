package clientconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresExactlyOnePositionalExploit(t *testing.T) {
	_, err := Parse([]string{"-server-url", "http://x", "-server-pass", "p"})
	assert.Error(t, err)

	_, err = Parse([]string{"-server-url", "http://x", "-server-pass", "p", "a.py", "b.py"})
	assert.Error(t, err)
}

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	_, err := Parse([]string{"./exploit.py"})
	assert.Error(t, err)
}

func TestParsePopulatesExploitPathAndDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-server-url", "http://x", "-server-pass", "p", "./exploit.py"})
	require.NoError(t, err)
	assert.Equal(t, "./exploit.py", cfg.ExploitPath)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.FailureThreshold)
	assert.False(t, cfg.AlwaysRetry)
}

func TestParseRejectsMaxFailuresBelowThreshold(t *testing.T) {
	_, err := Parse([]string{
		"-server-url", "http://x", "-server-pass", "p",
		"-failure-threshold", "10", "-max-failures", "2",
		"./exploit.py",
	})
	assert.Error(t, err)
}

func TestMergeCompilesUnanchoredFlagFormat(t *testing.T) {
	cfg := &Config{}
	err := cfg.Merge(ServerConfig{
		FlagFormat:   "[A-Z0-9]{31}=",
		FlagLifetime: 10,
		TickDuration: 30,
		Teams:        []string{"team-1", "team-2"},
	})
	require.NoError(t, err)

	assert.True(t, cfg.FlagRegexp().MatchString("ABCDEFGHIJKLMNOPQRSTUVWXYZ01234="))
	// Must still match when the flag is embedded among other subprocess
	// output, since runner.Run extracts with FindAllString over stdout.
	assert.True(t, cfg.FlagRegexp().MatchString("not a flag ABCDEFGHIJKLMNOPQRSTUVWXYZ01234= trailing text"))
	assert.Equal(t, []string{"ABCDEFGHIJKLMNOPQRSTUVWXYZ01234="},
		cfg.FlagRegexp().FindAllString("got ABCDEFGHIJKLMNOPQRSTUVWXYZ01234= from stdout\nno flag here\n", -1))
	assert.Equal(t, 30*time.Second, cfg.TickDuration)
	assert.Equal(t, 10*cfg.TickDuration, cfg.FlagLifetime)
	assert.Equal(t, []string{"team-1", "team-2"}, cfg.Teams)
}

func TestMergeRejectsInvalidFlagFormat(t *testing.T) {
	cfg := &Config{}
	err := cfg.Merge(ServerConfig{FlagFormat: "(unterminated"})
	assert.Error(t, err)
}
