// Package submit implements the pluggable upstream game-system adapters:
// HTTP-JSON (ForcAD profile) and line-oriented TCP, chosen by the scheme
// of system_url and exposed behind one Go interface.
package submit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ctfops/flagfarm/internal/flagstore"
)

// Submitter delivers a batch of flags to the upstream game system and
// returns a verdict only for the flags the system explicitly mentioned;
// flags it was silent about must not appear in the result.
type Submitter interface {
	Submit(ctx context.Context, flags []string) ([]flagstore.Verdict, error)
}

// stripFlagPrefix strips an embedded "[<flag>]" prefix some game systems put
// in front of their human-readable message.
func stripFlagPrefix(flag, message string) string {
	prefix := "[" + flag + "]"
	message = strings.TrimSpace(strings.TrimPrefix(message, prefix))
	return message
}

// New selects the HTTP-JSON or TCP adapter by the scheme of systemURL.
func New(systemURL, teamToken string, timeout time.Duration) (Submitter, error) {
	u, err := url.Parse(systemURL)
	if err != nil {
		return nil, fmt.Errorf("parsing system_url %q: %w", systemURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSubmitter(systemURL, teamToken, timeout), nil
	case "tcp":
		return NewTCPSubmitter(u, timeout)
	default:
		return nil, fmt.Errorf("unsupported system_url scheme %q", u.Scheme)
	}
}
