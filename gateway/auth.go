package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB
)

// Credential pairs an API secret with the operator identity the key acts as.
type Credential struct {
	Secret  string
	Address [20]byte
}

// Principal represents an authenticated API client.
type Principal struct {
	APIKey  string
	Address [20]byte
}

// Authenticator verifies API key + HMAC signatures on incoming requests and
// tracks recently seen nonces for replay protection.
type Authenticator struct {
	credentials          map[string]Credential
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// NewAuthenticator builds an Authenticator keyed by API key identifiers.
func NewAuthenticator(credentials map[string]Credential, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]Credential, len(credentials))
	for key, cred := range credentials {
		cred.Secret = strings.TrimSpace(cred.Secret)
		cloned[strings.TrimSpace(key)] = cred
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	if nonceTTL < skew {
		nonceTTL = 2 * skew
	}
	return &Authenticator{
		credentials:          cloned,
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nowFn:                nowFn,
		nonces:               make(map[string]time.Time),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	cred, ok := a.credentials[apiKey]
	if !ok || cred.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(cred.Secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Address: cred.Address}, nil
}

// registerNonce records the nonce and reports whether it was already seen
// inside the replay window. Expired entries are pruned opportunistically.
func (a *Authenticator) registerNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	composite := apiKey + "|" + timestamp + "|" + nonce
	cutoff := now.Add(-a.nonceTTL)
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	for key, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, key)
		}
	}
	if _, seen := a.nonces[composite]; seen {
		return true
	}
	a.nonces[composite] = now
	return false
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + canonicalQuery(r.URL.RawQuery)
	}
	return path
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
