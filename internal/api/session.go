package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sessionCookieName = "farm_session"
const sessionTTL = 24 * time.Hour

// sessionPayload is the signed, stateless session value: no server-side
// session store, matching the single shared password model. The nonce
// exists only to make two sessions issued in the same second carry
// distinct cookie values.
type sessionPayload struct {
	Nonce   string `json:"n"`
	Expires int64  `json:"exp"`
}

// signSession builds a cookie value of the form
// base64url(payload json) + "." + base64url(hmac-sha256(payload, secret)).
func signSession(secret []byte) string {
	payload := sessionPayload{
		Nonce:   uuid.NewString(),
		Expires: time.Now().Add(sessionTTL).Unix(),
	}
	raw, _ := json.Marshal(payload)
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	sig := mac.Sum(nil)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// verifySession checks the signature and expiry of a cookie value.
func verifySession(value string, secret []byte) bool {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return false
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return time.Now().Unix() < payload.Expires
}

// authMiddleware requires a valid session cookie: a handler-returning
// decorator applied per route.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !verifySession(cookie.Value, s.cfg.SecretKey) {
			writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next(w, r)
	}
}

// handleAuth implements POST /api/auth: exchange the shared password for a
// session cookie.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	hash := sha256.Sum256([]byte(req.Password))
	if subtle.ConstantTimeCompare(hash[:], s.cfg.PasswordHash[:]) != 1 {
		writeError(w, http.StatusForbidden, "invalid password")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signSession(s.cfg.SecretKey),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(sessionTTL),
	})
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}

func parseIntQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
