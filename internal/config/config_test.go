package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandTeams(t *testing.T) {
	t.Run("no placeholder returns the template verbatim", func(t *testing.T) {
		assert.Equal(t, []string{"team.ctf"}, ExpandTeams("team.ctf"))
	})

	t.Run("single range expands in order", func(t *testing.T) {
		assert.Equal(t,
			[]string{"team-1.ctf", "team-2.ctf", "team-3.ctf"},
			ExpandTeams("team-{1..3}.ctf"))
	})

	t.Run("nested ranges expand combinatorially", func(t *testing.T) {
		got := ExpandTeams("team-{1..2}.{1..2}")
		assert.ElementsMatch(t, []string{
			"team-1.1", "team-1.2", "team-2.1", "team-2.2",
		}, got)
		assert.Len(t, got, 4)
	})

	t.Run("inverted range is left untouched", func(t *testing.T) {
		assert.Equal(t, []string{"team-{5..1}.ctf"}, ExpandTeams("team-{5..1}.ctf"))
	})
}

func TestSourcePrecedence(t *testing.T) {
	t.Setenv("FARM_PASSWORD", "from-env")
	s := &source{yamlData: map[string]any{"password": "from-yaml"}}

	v, ok := s.get("password")
	assert.True(t, ok)
	assert.Equal(t, "from-env", v, "env must win over yaml")
}

func TestSourceFallsBackToYAML(t *testing.T) {
	s := &source{yamlData: map[string]any{"system-url": "http://game.local"}}
	v, ok := s.get("system_url")
	assert.True(t, ok)
	assert.Equal(t, "http://game.local", v)
}

func TestSourceDefault(t *testing.T) {
	s := &source{yamlData: map[string]any{}}
	assert.Equal(t, "fallback", s.getDefault("missing_key", "fallback"))
	assert.Equal(t, 42, s.getIntDefault("missing_int", 42))
}
