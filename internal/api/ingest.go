package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/flagstore"
	"github.com/ctfops/flagfarm/internal/metrics"
)

// flagEntry is the shape of one JSON element in an ingest body: either a
// bare string, or an object carrying flag and an optional ts.
type flagEntry struct {
	Flag string `json:"flag"`
	TS   *int64 `json:"ts"`
}

// handleIngest implements POST /api/flags/{exploit}. The body is one of:
// a string, an object, or a list of either. Normalization rules
// are applied in order and never fail the whole request over one bad
// entry; a structurally invalid body (not JSON, or a JSON number, bool or
// null at the top level) is the only 400.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	exploit := mux.Vars(r)["exploit"]

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	entries, err := normalizeIngestBody(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().Unix()
	lifetime := int64(s.cfg.Lifetime().Seconds())

	accepted := make([]flagstore.Flag, 0, len(entries))
	for _, e := range entries {
		if e.Flag == "" {
			metrics.FlagsRejectedIngest.WithLabelValues("no_flag_field").Inc()
			continue
		}
		if !s.cfg.FlagRegexp().MatchString(e.Flag) {
			metrics.FlagsRejectedIngest.WithLabelValues("format_mismatch").Inc()
			continue
		}
		ts := now
		if e.TS != nil {
			ts = *e.TS
		}
		if now-ts > lifetime {
			metrics.FlagsRejectedIngest.WithLabelValues("already_expired").Inc()
			continue
		}
		accepted = append(accepted, flagstore.Flag{
			Flag:      e.Flag,
			Exploit:   exploit,
			Timestamp: ts,
			Status:    flagstore.StatusPending,
		})
	}

	if len(accepted) > 0 {
		if err := s.store.InsertMany(r.Context(), accepted); err != nil {
			s.logger.Error("ingest: insert failed", zap.String("exploit", exploit), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
	}

	metrics.FlagsIngested.WithLabelValues(exploit).Add(float64(len(accepted)))
	s.logger.Info("ingest accepted",
		zap.String("exploit", exploit),
		zap.Int("submitted", len(entries)),
		zap.Int("accepted", len(accepted)))

	w.WriteHeader(http.StatusOK)
}

// normalizeIngestBody wraps non-list top-level values, wraps bare
// strings, and drops shapeless objects. Format and staleness filtering
// are applied by the caller once it knows the target Config.
func normalizeIngestBody(raw json.RawMessage) ([]flagEntry, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, errEmptyBody
	}

	if trimmed[0] != '[' {
		entry, ok := decodeOneEntry(trimmed)
		if !ok {
			if trimmed[0] == '{' {
				return nil, nil // rule 3: a lone object without a usable flag is dropped
			}
			return nil, errMalformedEntry
		}
		return []flagEntry{entry}, nil
	}

	var rawList []json.RawMessage
	if err := json.Unmarshal(trimmed, &rawList); err != nil {
		return nil, errMalformedEntry
	}
	entries := make([]flagEntry, 0, len(rawList))
	for _, item := range rawList {
		entry, ok := decodeOneEntry(trimLeadingSpace(item))
		if !ok {
			continue // rule 3: objects without a usable flag are dropped, not fatal
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// decodeOneEntry decodes a single list element or whole body into a
// flagEntry. A bare JSON string is wrapped as {flag: s} (rule 2); a JSON
// object is decoded directly and must carry a string flag field (rule 3);
// any other JSON type (number, bool, null, nested array) is not usable.
func decodeOneEntry(raw json.RawMessage) (flagEntry, bool) {
	if len(raw) == 0 {
		return flagEntry{}, false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return flagEntry{}, false
		}
		return flagEntry{Flag: s}, true
	case '{':
		var e flagEntry
		if err := json.Unmarshal(raw, &e); err != nil || e.Flag == "" {
			return flagEntry{}, false
		}
		return e, true
	default:
		return flagEntry{}, false
	}
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

var (
	errEmptyBody      = ingestError("empty request body")
	errMalformedEntry = ingestError("body is not a flag, an object, or a list of either")
)

type ingestError string

func (e ingestError) Error() string { return string(e) }
