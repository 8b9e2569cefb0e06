// Package server exposes one asset manager engine over HTTP. Mutating calls are
// POSTs that must be HMAC-signed and carry an idempotency key; the caller's
// native address is taken from X-Caller-Address.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fassets/internal/assetmanager"
	"fassets/internal/collateralpool"
	"fassets/internal/config"
	"fassets/internal/corevault"
	"fassets/internal/events"
	"fassets/internal/eventstore"
	"fassets/internal/fasset"
	"fassets/internal/hmacauth"
	"fassets/internal/idempotency"
	"fassets/internal/stream"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
	"go.uber.org/zap"
)

const (
	HeaderCaller    = "X-Caller-Address"
	HeaderRequestID = "X-Request-Id"
)

// Deps are the components the API serves. CoreVault, Events, Hub and
// RPCHealth are optional.
type Deps struct {
	Engine      *assetmanager.Engine
	Pools       *collateralpool.Pools
	Token       *fasset.Ledger
	CoreVault   *corevault.Manager
	Events      eventstore.Store
	Hub         *stream.Hub
	Publisher   *events.Publisher
	Idempotency idempotency.Store
	Metrics     *Metrics
	RPCHealth   func(context.Context) error
	Governance  common.Address
	Log         *zap.Logger
	Now         func() time.Time
}

type Server struct {
	cfg        *config.AppConfig
	engine     *assetmanager.Engine
	pools      *collateralpool.Pools
	token      *fasset.Ledger
	coreVault  *corevault.Manager
	events     eventstore.Store
	hub        *stream.Hub
	publisher  *events.Publisher
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	metrics    *Metrics
	dlq        *deadLetters
	governance common.Address
	log        *zap.Logger
	now        func() time.Time

	router      *mux.Router
	httpServer  *http.Server
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Pools == nil || deps.Token == nil {
		return nil, errors.New("server: engine, pools and token are required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:         cfg,
		engine:      deps.Engine,
		pools:       deps.Pools,
		token:       deps.Token,
		coreVault:   deps.CoreVault,
		events:      deps.Events,
		hub:         deps.Hub,
		publisher:   deps.Publisher,
		store:       deps.Idempotency,
		metrics:     deps.Metrics,
		governance:  deps.Governance,
		log:         deps.Log,
		now:         deps.Now,
		rpcHealthFn: deps.RPCHealth,
	}
	s.dlq = &deadLetters{dir: cfg.Service.DLQPath, log: s.log, metrics: s.metrics}
	s.hmac = &hmacauth.Verifier{
		Secrets: cfg.Service.HMACSecrets,
		MaxSkew: cfg.Service.HMACClockSkew,
		Now:     s.now,
		Bound:   []string{HeaderCaller},
		// every POST must prove it comes from the key behind X-Caller-Address
		CallerHeader: HeaderCaller,
		OnReject: func(w http.ResponseWriter, r *http.Request, err error) {
			s.metrics.observeOp(routeName(r), "unauthorized", 0)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		},
	}
	s.watchState()

	limiter, err := s.rateLimiter()
	if err != nil {
		return nil, err
	}
	s.router = s.routes(limiter)
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rateLimiter() (*throttled.HTTPRateLimiter, error) {
	perSec := s.cfg.Service.RateLimitPerSec
	if perSec <= 0 {
		return nil, nil
	}
	store, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	quota := throttled.RateQuota{MaxRate: throttled.PerSec(perSec), MaxBurst: s.cfg.Service.RateLimitBurst}
	gcra, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return nil, err
	}
	return &throttled.HTTPRateLimiter{
		RateLimiter: gcra,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
		DeniedHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.metrics.rateLimitedTotal.Inc()
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		}),
	}, nil
}

func (s *Server) routes(limiter *throttled.HTTPRateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.logMiddleware)

	r.Handle("/api/v1/metrics", s.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/api/v1/stream", s.hub).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if limiter != nil {
		api.Use(limiter.RateLimit)
	}

	get := api.Methods(http.MethodGet).Subrouter()
	s.queryRoutes(get)

	post := api.Methods(http.MethodPost).Subrouter()
	post.Use(s.hmac.Middleware, idempotency.Middleware(s.store, idempotency.Options{
		Window:   s.cfg.Service.IdempotencyWindow,
		Scope:    func(r *http.Request) string { return r.Header.Get(HeaderCaller) },
		Now:      s.now,
		OnReplay: func(r *http.Request) { s.metrics.observeOp(routeName(r), "replayed", 0) },
		OnError: func(w http.ResponseWriter, r *http.Request, status int, msg string) {
			writeError(w, r, status, "idempotency", msg)
		},
		Log: s.log,
	}))
	s.agentRoutes(post)
	s.mintingRoutes(post)
	s.redemptionRoutes(post)
	s.coreVaultRoutes(post)
	s.governanceRoutes(post)
	return r
}

// apiFunc handles one call and returns the response body.
type apiFunc func(r *http.Request) (any, error)

// api wraps fn with metrics, logging, error mapping and dead-lettering of
// server errors.
func (s *Server) api(op string, okStatus int, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var payload []byte
		if r.Method == http.MethodPost && r.Body != nil {
			payload, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body = io.NopCloser(bytes.NewReader(payload))
		}

		body, err := fn(r)
		if err != nil {
			status, code := statusFor(err)
			outcome := "rejected"
			msg := err.Error()
			if status >= 500 {
				outcome = "error"
				s.log.Error("operation failed",
					zap.String("op", op),
					zap.String("request_id", requestID(r)),
					zap.Error(err))
				if r.Method == http.MethodPost {
					s.dlq.write(deadLetter{
						Timestamp: s.now().UTC(),
						RequestID: requestID(r),
						Op:        op,
						Method:    r.Method,
						Path:      r.URL.Path,
						Caller:    r.Header.Get(HeaderCaller),
						Payload:   payload,
						Error:     msg,
					})
				}
				if status == http.StatusInternalServerError {
					msg = "internal error"
				}
			} else {
				s.log.Debug("operation rejected", zap.String("op", op), zap.String("reason", msg))
			}
			s.metrics.observeOp(op, outcome, time.Since(start))
			writeError(w, r, status, code, msg)
			return
		}
		s.metrics.observeOp(op, "ok", time.Since(start))
		writeJSON(w, okStatus, body)
	})
}

func (s *Server) handle(router *mux.Router, path, op string, okStatus int, fn apiFunc) {
	router.Handle(path, s.api(op, okStatus, fn)).Name(op)
}

// caller returns the authenticated caller address.
func caller(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("missing or invalid %s header", HeaderCaller)
	}
	return common.HexToAddress(raw), nil
}

// governanceCaller admits only the configured governance address, or anyone
// when none is configured.
func (s *Server) governanceCaller(r *http.Request) (common.Address, error) {
	c, err := caller(r)
	if err != nil {
		return c, err
	}
	if s.governance != (common.Address{}) && c != s.governance {
		return c, &apiError{status: http.StatusForbidden, msg: "only governance"}
	}
	return c, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		body = struct{}{}
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: requestID(r)})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
		return route.GetName()
	}
	return "unknown"
}
