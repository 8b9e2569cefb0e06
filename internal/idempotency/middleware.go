package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderKey    = "X-Idempotency-Key"
	HeaderReplay = "Idempotent-Replay"
)

// Options configures Middleware.
type Options struct {
	Window time.Duration
	// Scope namespaces keys, typically by caller, so two callers cannot
	// collide on the same key.
	Scope    func(r *http.Request) string
	Now      func() time.Time
	OnReplay func(r *http.Request)
	// OnError writes middleware rejections; http.Error when nil.
	OnError func(w http.ResponseWriter, r *http.Request, status int, msg string)
	Log     *zap.Logger
}

// Middleware makes POST requests replayable. The first response for a key is
// stored and returned again for retries carrying the same key and body.
// Server errors are not stored, so a retry after a 5xx runs the call again.
func Middleware(store Store, opts Options) func(http.Handler) http.Handler {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	fail := func(w http.ResponseWriter, r *http.Request, status int, msg string) {
		if opts.OnError != nil {
			opts.OnError(w, r, status, msg)
			return
		}
		http.Error(w, msg, status)
	}
	var inflight keyLocks

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			if key == "" {
				fail(w, r, http.StatusBadRequest, "missing "+HeaderKey+" header")
				return
			}
			if opts.Scope != nil {
				key = opts.Scope(r) + ":" + key
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				fail(w, r, http.StatusBadRequest, "read body: "+err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := Fingerprint(r.Method, r.URL.Path, body)

			if !inflight.tryLock(key) {
				fail(w, r, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}
			defer inflight.unlock(key)

			ctx := r.Context()
			existing, err := store.Lookup(ctx, key, opts.Now())
			if err != nil {
				opts.Log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
			}
			if existing != nil {
				if existing.Fingerprint != "" && existing.Fingerprint != fp {
					fail(w, r, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
					return
				}
				if opts.OnReplay != nil {
					opts.OnReplay(r)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(existing.Status)
				_, _ = w.Write(existing.Body)
				return
			}

			rec := &capture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= 500 {
				return
			}
			now := opts.Now()
			record := Record{
				Status:      rec.status,
				Body:        rec.buf.Bytes(),
				Fingerprint: fp,
				SavedAt:     now,
				ExpiresAt:   now.Add(opts.Window),
			}
			if err := store.Put(ctx, key, record); err != nil {
				opts.Log.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type capture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	if !c.wroteHeader {
		c.status = code
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

type keyLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (k *keyLocks) tryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held == nil {
		k.held = make(map[string]struct{})
	}
	if _, busy := k.held[key]; busy {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

func (k *keyLocks) unlock(key string) {
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}
