package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ctfops/flagfarm/internal/flagstore"
)

// HTTPSubmitter is the ForcAD-profile HTTP-JSON adapter: a single PUT with
// an X-Team-Token header and a JSON array body, wrapped in
// a circuit breaker independent of the worker's own retry loop so a
// wedged game system doesn't pile up hanging requests.
type HTTPSubmitter struct {
	url       string
	teamToken string
	client    *http.Client
	cb        *gobreaker.CircuitBreaker
}

// NewHTTPSubmitter builds an HTTP-JSON submitter against systemURL.
func NewHTTPSubmitter(systemURL, teamToken string, timeout time.Duration) *HTTPSubmitter {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flag-submit-http",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
	})
	return &HTTPSubmitter{
		url:       systemURL,
		teamToken: teamToken,
		client:    &http.Client{Timeout: timeout},
		cb:        cb,
	}
}

type forcADEntry struct {
	Flag        string `json:"flag"`
	Status      string `json:"status"`
	Message     string `json:"msg"`
	MessageAlt  string `json:"message"`
}

// Submit implements Submitter. Network errors, malformed JSON, and
// non-list/non-object top-level shapes return an empty verdict list (and a
// non-nil error so the caller can log it); the worker retries next cycle.
func (s *HTTPSubmitter) Submit(ctx context.Context, flags []string) ([]flagstore.Verdict, error) {
	result, err := s.cb.Execute(func() (any, error) {
		return s.doSubmit(ctx, flags)
	})
	if err != nil {
		return nil, fmt.Errorf("submitting to %s: %w", s.url, err)
	}
	return result.([]flagstore.Verdict), nil
}

func (s *HTTPSubmitter) doSubmit(ctx context.Context, flags []string) ([]flagstore.Verdict, error) {
	body, err := json.Marshal(flags)
	if err != nil {
		return nil, fmt.Errorf("marshaling flags: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Team-Token", s.teamToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to game system: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	entries, err := parseForcADResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server response %q: %w", string(raw), err)
	}

	verdicts := make([]flagstore.Verdict, 0, len(entries))
	for _, e := range entries {
		if e.Flag == "" {
			continue
		}
		msg := e.Message
		if msg == "" {
			msg = e.MessageAlt
		}
		verdicts = append(verdicts, flagstore.Verdict{
			Flag:    e.Flag,
			Status:  mapForcADStatus(e.Status),
			Message: stripFlagPrefix(e.Flag, msg),
		})
	}
	return verdicts, nil
}

// parseForcADResponse accepts either a JSON array of objects or a single
// object (wrapped into a one-element list).
func parseForcADResponse(raw []byte) ([]forcADEntry, error) {
	var list []forcADEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single forcADEntry
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []forcADEntry{single}, nil
}

func mapForcADStatus(status string) flagstore.Status {
	switch strings.ToUpper(status) {
	case "ACCEPTED", "UP":
		return flagstore.StatusAccepted
	case "DENIED", "RESUBMIT", "ERROR", "DOWN":
		return flagstore.StatusRejected
	default:
		return flagstore.StatusUnknown
	}
}
