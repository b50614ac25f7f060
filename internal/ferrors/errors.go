// Package ferrors defines the sentinel error kinds shared across the farm,
// so handlers and workers can branch on error class with errors.Is instead
// of matching strings.
package ferrors

import "errors"

var (
	// ErrConfigMissing marks a required configuration value with no
	// default, env, or YAML source. Fatal at startup.
	ErrConfigMissing = errors.New("config: required value missing")

	// ErrStorageFailure marks a failure of the backing SQL store.
	ErrStorageFailure = errors.New("storage: operation failed")

	// ErrUpstreamTransient marks a network/timeout/5xx failure talking to
	// the upstream game system. The submission worker retries these.
	ErrUpstreamTransient = errors.New("upstream: transient failure")

	// ErrUpstreamMalformed marks a shape/JSON error in the upstream
	// game-system response. Flags remain PENDING.
	ErrUpstreamMalformed = errors.New("upstream: malformed response")

	// ErrClientMalformed marks a bad request body from a farm client.
	ErrClientMalformed = errors.New("request: malformed body")

	// ErrUnauthorized marks a missing or invalid session.
	ErrUnauthorized = errors.New("request: unauthorized")

	// ErrNotFound marks a missing resource (unsupported hfi platform, etc).
	ErrNotFound = errors.New("request: not found")
)
