package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/runner"
)

func TestExploitNameStripsFirstExtensionOnly(t *testing.T) {
	assert.Equal(t, "solve", ExploitName("/home/user/solve.py"))
	assert.Equal(t, "exploit", ExploitName("exploit.tar.gz"))
	assert.Equal(t, "noext", ExploitName("noext"))
}

func TestFlushClearsBufferOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.URL, "solve.py", zap.NewNop())
	u.Extend([]runner.Token{{Flag: "F1", TS: 1}})

	require.NoError(t, u.Flush(context.Background(), time.Second))
	assert.Empty(t, u.buffer)
}

func TestFlushRetainsBufferOnNon200(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	u := New(srv.URL, "solve.py", zap.NewNop())
	u.Extend([]runner.Token{{Flag: "F1", TS: 1}})

	err := u.Flush(context.Background(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.NotEmpty(t, u.buffer, "buffer must be retained for the next wave on failure")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestFlushIsNoopOnEmptyBuffer(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	u := New(srv.URL, "solve.py", zap.NewNop())
	require.NoError(t, u.Flush(context.Background(), time.Second))
	assert.False(t, called)
}
