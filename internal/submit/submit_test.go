package submit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfops/flagfarm/internal/flagstore"
)

func TestHTTPSubmitterRoundTripAcceptStripsPrefix(t *testing.T) {
	flag := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "team-token", r.Header.Get("X-Team-Token"))

		var sent []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, []string{flag}, sent)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]string{
			{"flag": flag, "status": "ACCEPTED", "msg": "[" + flag + "] nice"},
		})
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, "team-token", time.Second)
	verdicts, err := s.Submit(context.Background(), []string{flag})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, flagstore.StatusAccepted, verdicts[0].Status)
	assert.Equal(t, "nice", verdicts[0].Message)
}

func TestHTTPSubmitterMapsDeniedAndUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"flag": "F1", "status": "DENIED", "msg": "too old"},
			{"flag": "F2", "status": "WEIRD_STATUS", "msg": "?"},
		})
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, "tok", time.Second)
	verdicts, err := s.Submit(context.Background(), []string{"F1", "F2"})
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.Equal(t, flagstore.StatusRejected, verdicts[0].Status)
	assert.Equal(t, flagstore.StatusUnknown, verdicts[1].Status)
}

func TestHTTPSubmitterWrapsSingleObjectResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"flag": "F1", "status": "ACCEPTED"})
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, "tok", time.Second)
	verdicts, err := s.Submit(context.Background(), []string{"F1"})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "F1", verdicts[0].Flag)
}

func TestHTTPSubmitterMalformedResponseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, "tok", time.Second)
	_, err := s.Submit(context.Background(), []string{"F1"})
	assert.Error(t, err)
}

func TestParseTCPLinePairsByFlagTokenWhenPresent(t *testing.T) {
	v := parseTCPLine("EXPECTED", "ACTUALFLAG OK")
	assert.Equal(t, "ACTUALFLAG", v.Flag)
	assert.Equal(t, flagstore.StatusAccepted, v.Status)
}

func TestParseTCPLineFallsBackToSendOrderForBareMessage(t *testing.T) {
	v := parseTCPLine("EXPECTED", "bad flag format")
	assert.Equal(t, "EXPECTED", v.Flag)
	assert.Equal(t, flagstore.StatusRejected, v.Status)
}

func TestTCPSubmitterRoundTrip(t *testing.T) {
	ln, err := newTestListener(t)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_ = n
		conn.Write([]byte("FLAG1 OK\n"))
	}()

	u := mustParseURL(t, "tcp://"+ln.Addr().String())
	s, err := NewTCPSubmitter(u, time.Second)
	require.NoError(t, err)

	verdicts, err := s.Submit(context.Background(), []string{"FLAG1"})
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, flagstore.StatusAccepted, verdicts[0].Status)
}
