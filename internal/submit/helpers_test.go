package submit

import (
	"net"
	"net/url"
	"testing"
)

func newTestListener(t *testing.T) (net.Listener, error) {
	t.Helper()
	return net.Listen("tcp", "127.0.0.1:0")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing test url %q: %v", raw, err)
	}
	return u
}
