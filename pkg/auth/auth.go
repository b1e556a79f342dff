// Package auth signs and verifies requests between monitors and from
// operators with a shared-secret HMAC.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// HeaderTimestamp carries the signing time in Unix seconds.
	HeaderTimestamp = "X-Monitor-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 of method, path and timestamp.
	HeaderSignature = "X-Monitor-Signature"
	// MaxClockSkew is how far a timestamp may drift from the verifier's clock.
	MaxClockSkew = 30 * time.Second
)

// ErrUnauthorized is returned for every rejected request.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator is a no-op when the secret is empty.
type Authenticator struct {
	sharedSecret string
	now          func() time.Time
}

func New(sharedSecret string) *Authenticator {
	return &Authenticator{
		sharedSecret: sharedSecret,
		now:          time.Now,
	}
}

// Enabled reports whether requests are signed and verified.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.sharedSecret != ""
}

// SignRequest adds the authentication headers to req.
func (a *Authenticator) SignRequest(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	timestamp := a.now().Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, a.signature(req.Method, req.URL.Path, timestamp))
	return nil
}

// ValidateRequest checks the authentication headers on req.
func (a *Authenticator) ValidateRequest(req *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	raw := req.Header.Get(HeaderTimestamp)
	if raw == "" {
		return errors.Wrap(ErrUnauthorized, "missing timestamp header")
	}
	timestamp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrUnauthorized, "invalid timestamp %q", raw)
	}

	skew := a.now().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return errors.Wrapf(ErrUnauthorized, "timestamp outside allowed window (skew: %s)", skew.Truncate(time.Second))
	}

	expected := a.signature(req.Method, req.URL.Path, timestamp)
	if !hmac.Equal([]byte(expected), []byte(req.Header.Get(HeaderSignature))) {
		return errors.Wrap(ErrUnauthorized, "invalid signature")
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			http.Error(w, fmt.Sprintf("Authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *Authenticator) signature(method, path string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(a.sharedSecret))
	fmt.Fprintf(mac, "%s:%s:%d", method, path, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}
