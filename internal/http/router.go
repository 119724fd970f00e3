package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/internal/lifecycle"
	"github.com/splax/foundry/internal/ports"
	"github.com/splax/foundry/internal/retention"
	"github.com/splax/foundry/internal/stack"
	"github.com/splax/foundry/internal/store"
	"github.com/splax/foundry/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
)

// Lifecycle is the controller surface the router exposes over HTTP.
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.Environment, error)
	Delete(ctx context.Context, id string) error
	Get(id string) (domain.Environment, error)
	List() ([]domain.Environment, error)
}

// CleanupRunner executes one retention pass on demand.
type CleanupRunner interface {
	Run(ctx context.Context, policy retention.Policy) (retention.Summary, error)
}

// Router wires HTTP endpoints to the lifecycle controller.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	lifecycle    Lifecycle
	cleaner      CleanupRunner
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	serviceToken string
	rateLimit    int
	health       func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. An empty serviceToken
// disables authentication, which is only sensible for local use.
func NewRouter(logger *slog.Logger, lc Lifecycle, cleaner CleanupRunner, hub *ws.Hub, limiter RateLimiter, serviceToken string, rateLimit int, health func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: lc,
		cleaner:   cleaner,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		serviceToken: strings.TrimSpace(serviceToken),
		rateLimit:    rateLimit,
		health:       health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/v1/environments", r.audit("/v1/environments",
		r.requireToken(r.withRateLimit("/v1/environments", r.rateLimit, rateWindowDefault, r.handleEnvironments))))
	r.mux.HandleFunc("/v1/environments/", r.audit("/v1/environments/{id}",
		r.requireToken(r.withRateLimit("/v1/environments/{id}", r.rateLimit, rateWindowDefault, r.handleEnvironmentSubroutes))))
	r.mux.HandleFunc("/v1/cleanup", r.audit("/v1/cleanup", r.requireToken(r.handleCleanup)))
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name           string `json:"name"`
			Type           string `json:"type"`
			IdempotencyKey string `json:"idempotencyKey"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env, err := r.lifecycle.Create(req.Context(), lifecycle.CreateRequest{
			Name:           payload.Name,
			Type:           payload.Type,
			IdempotencyKey: payload.IdempotencyKey,
		})
		if err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.Summarize(env))
	case http.MethodGet:
		envs, err := r.lifecycle.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		summaries := make([]domain.Summary, 0, len(envs))
		for _, env := range envs {
			summaries = append(summaries, domain.Summarize(env))
		}
		writeJSON(w, http.StatusOK, summaries)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/environments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	id := parts[0]
	if len(parts) == 2 && parts[1] == "events" {
		r.handleEvents(w, req, id)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}

	switch req.Method {
	case http.MethodGet:
		env, err := r.lifecycle.Get(id)
		if err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.Summarize(env))
	case http.MethodDelete:
		if err := r.lifecycle.Delete(req.Context(), id); err != nil {
			r.writeLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request, id string) {
	if r.hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	if _, err := r.lifecycle.Get(id); err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(id, client)
	go func() {
		defer func() {
			r.hub.Unregister(id, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.cleaner == nil {
		writeError(w, http.StatusNotImplemented, "cleanup disabled")
		return
	}
	var payload struct {
		Keep          int `json:"keep"`
		MaxAgeSeconds int `json:"maxAgeSeconds"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	summary, err := r.cleaner.Run(req.Context(), retention.Policy{
		Keep:   payload.Keep,
		MaxAge: time.Duration(payload.MaxAgeSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, retention.ErrPolicy) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	status := http.StatusOK
	if summary.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{
		"examined": summary.Examined,
		"removed":  summary.Removed,
		"failed":   summary.Failed,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.health(ctx); err != nil {
			status = "degraded"
			components["runtime"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["runtime"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "environment not found")
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, stack.ErrTemplate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ports.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// requireToken enforces the static service token when one is configured.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.serviceToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Foundry-Token"))
		if len(token) != len(r.serviceToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.serviceToken)) != 1 {
			r.logger.Warn("service token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
