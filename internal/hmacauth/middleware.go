// Package hmacauth authenticates API calls signed with a shared secret and,
// optionally, by the key behind the caller address.
//
// A signature is HMAC-SHA256 over a canonical request: the unix timestamp, the
// method, the request URI, the values of the bound headers and the body, one
// per line. Binding the caller header means a captured signature can neither be
// replayed against another route nor re-attributed to another caller. The
// caller signature covers the same canonical request.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadTimestamp     = errors.New("missing or malformed request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks signed requests. With no secrets and no CallerHeader every
// request passes.
type Verifier struct {
	// Secrets are tried in order. Listing the previous secret after the new one
	// keeps old clients working while a secret is rotated.
	Secrets []string
	MaxSkew time.Duration
	Now     func() time.Time
	// Bound names the headers covered by the signature, in signing order.
	Bound []string
	// CallerHeader, when set, names the header holding the caller address. The
	// request must then carry a caller signature recovering to that address.
	CallerHeader string
	// OnReject writes the rejection; a plain 401 when nil.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			if v.OnReject != nil {
				v.OnReject(w, r, err)
			} else {
				http.Error(w, err.Error(), http.StatusUnauthorized)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks r and leaves its body readable.
func (v *Verifier) Verify(r *http.Request) error {
	if len(v.Secrets) == 0 && v.CallerHeader == "" {
		return nil
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if sig == "" && len(v.Secrets) > 0 {
		return ErrMissingSignature
	}
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if skew := now.Sub(time.Unix(unix, 0)); skew > v.MaxSkew || -skew > v.MaxSkew {
		return ErrStaleTimestamp
	}
	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	msg := canonical(ts, r, v.Bound, body)
	if len(v.Secrets) > 0 && !v.matchesSecret(msg, sig) {
		return ErrInvalidSignature
	}
	if v.CallerHeader != "" {
		return v.checkCaller(r, msg)
	}
	return nil
}

func (v *Verifier) matchesSecret(msg []byte, sig string) bool {
	for _, secret := range v.Secrets {
		if hmac.Equal([]byte(sign(secret, msg)), []byte(sig)) {
			return true
		}
	}
	return false
}

// SignRequest sets the timestamp and signature headers on an outgoing request.
// bound must match the verifier's Bound, and those headers must already be set.
func SignRequest(r *http.Request, secret string, now time.Time, bound ...string) error {
	body, err := bufferBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, sign(secret, canonical(ts, r, bound, body)))
	return nil
}

func canonical(ts string, r *http.Request, bound []string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(ts)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte('\n')
	b.WriteString(r.URL.RequestURI())
	b.WriteByte('\n')
	for _, h := range bound {
		b.WriteString(strings.ToLower(strings.TrimSpace(r.Header.Get(h))))
		b.WriteByte('\n')
	}
	b.Write(body)
	return b.Bytes()
}

func sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// bufferBody reads the body and puts a replayable copy back.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}
