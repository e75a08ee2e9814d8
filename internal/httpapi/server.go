package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaylist/internal/orm"
	"github.com/agentworkforce/relaylist/internal/ormstore"
)

type ServerConfig struct {
	JWTSecret       string
	Database        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	store       *ormstore.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schemas     *rpcSchemas
	hub         *busHub
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *ormstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *ormstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schemas, err := compileRPCSchemas()
	if err != nil {
		// The schemas are constants; a failure here is a programming error.
		panic(err)
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		schemas:     schemas,
		hub:         newBusHub(logger),
		logger:      logger,
	}
}

// RunBus forwards store change events to bus subscribers until ctx ends.
func (s *Server) RunBus(ctx context.Context) {
	s.hub.run(ctx, s.store.NextEvent)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var route string
	switch {
	case r.URL.Path == "/web/admin/backends" && r.Method == http.MethodGet:
		route = "admin_backends"
	case r.URL.Path == orm.BusPath && r.Method == http.MethodGet:
		route = "bus"
	case r.URL.Path == orm.ResequencePath && r.Method == http.MethodPost:
		route = "resequence"
	case (r.URL.Path == orm.CallKWPath || strings.HasPrefix(r.URL.Path, orm.CallKWPath+"/")) && r.Method == http.MethodPost:
		route = "call_kw"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	// call_kw scopes depend on the method in the body; the signature and
	// claims are checked here and the scope once the body is decoded.
	requiredScope := ""
	switch route {
	case "bus":
		requiredScope = ScopeRead
	case "resequence":
		requiredScope = ScopeWrite
	case "admin_backends":
		requiredScope = ScopeAdmin
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Database, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.DB + "|" + claims.Login
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "admin_backends":
		writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
	case "bus":
		s.handleBus(w, r, claims.Login)
	case "resequence":
		s.handleResequence(w, r, correlationID)
	case "call_kw":
		s.handleCallKW(w, r, claims, correlationID)
	}
}

func (s *Server) handleCallKW(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var params callKWParams
	id, rpcErr := s.schemas.decodeEnvelope(body, s.schemas.callKW, &params)
	if rpcErr != nil {
		writeRPC(w, rpcResponse{ID: id, Error: rpcErr})
		return
	}
	scope := ScopeWrite
	if ormstore.IsReadMethod(params.Method) {
		scope = ScopeRead
	}
	if !hasAnyScope(claims.Scopes, scope, ScopeWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+scope, correlationID)
		return
	}

	result, err := s.store.CallKW(params.Model, params.Method, params.Args, params.Kwargs)
	if err != nil {
		s.logger.Info("call_kw failed",
			"model", params.Model,
			"method", params.Method,
			"login", claims.Login,
			"correlation_id", correlationID,
			"error", err,
		)
		writeRPC(w, rpcResponse{ID: id, Error: rpcErrorFor(err)})
		return
	}
	writeRPC(w, rpcResponse{ID: id, Result: result})
}

func (s *Server) handleResequence(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var params orm.ResequenceParams
	id, rpcErr := s.schemas.decodeEnvelope(body, s.schemas.resequence, &params)
	if rpcErr != nil {
		writeRPC(w, rpcResponse{ID: id, Error: rpcErr})
		return
	}
	done, err := s.store.Resequence(params)
	if err != nil {
		s.logger.Info("resequence failed", "model", params.Model, "correlation_id", correlationID, "error", err)
		writeRPC(w, rpcResponse{ID: id, Error: rpcErrorFor(err)})
		return
	}
	writeRPC(w, rpcResponse{ID: id, Result: done})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
