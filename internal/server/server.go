package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/apierror"
	"github.com/slot181/transit-filter-api/internal/config"
	"github.com/slot181/transit-filter-api/internal/health"
	"github.com/slot181/transit-filter-api/internal/middleware"
	"github.com/slot181/transit-filter-api/internal/moderation"
	"github.com/slot181/transit-filter-api/internal/proxy"
	"github.com/slot181/transit-filter-api/internal/relay"
	"github.com/slot181/transit-filter-api/internal/retry"
	"github.com/slot181/transit-filter-api/internal/security"
	"github.com/slot181/transit-filter-api/internal/types"
)

// BurstThreshold is the process-wide request budget per second
const BurstThreshold = 500

// Server is the HTTP front of the moderation proxy
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger

	auth       *security.Authenticator
	limiter    *security.MultiTierLimiter
	burst      *health.BurstBreaker
	breaker    *health.ProviderBreaker
	retryer    *retry.Engine
	moderator  *moderation.Engine
	forwarder  *proxy.Forwarder
	relay      *relay.Relay
	validation *middleware.ValidationMiddleware

	httpServer *http.Server
}

// Deps carries the injected pipeline components
type Deps struct {
	Auth       *security.Authenticator
	Limiter    *security.MultiTierLimiter
	Burst      *health.BurstBreaker
	Breaker    *health.ProviderBreaker
	Retryer    *retry.Engine
	Moderator  *moderation.Engine
	Forwarder  *proxy.Forwarder
	Relay      *relay.Relay
	Validation *middleware.ValidationMiddleware
}

// NewServer creates a server over the injected components
func NewServer(cfg *config.Config, deps Deps, logger *logrus.Logger) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		auth:       deps.Auth,
		limiter:    deps.Limiter,
		burst:      deps.Burst,
		breaker:    deps.Breaker,
		retryer:    deps.Retryer,
		moderator:  deps.Moderator,
		forwarder:  deps.Forwarder,
		relay:      deps.Relay,
		validation: deps.Validation,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.cfg.Server.Port,
		Handler:        r,
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		MaxHeaderBytes: s.cfg.Server.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.cfg.Server.Port).Info("Starting transit filter server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping transit filter server")

	s.limiter.Stop()
	s.breaker.Stop()

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	if s.validation != nil {
		r.Use(s.validation.Middleware)
	}

	r.NotFoundHandler = s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		(&apierror.E{
			Status:  http.StatusNotFound,
			Type:    apierror.TypeInvalidRequest,
			Code:    apierror.CodeInvalidRequest,
			Message: "unknown endpoint",
		}).WriteJSON(w)
	}))
	r.MethodNotAllowedHandler = s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		apierror.NewMethodNotAllowed(req.Method).WriteJSON(w)
	}))

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods("POST")
	api.HandleFunc("/images/generations", s.passthroughHandler("images", "/images/generations")).Methods("POST")
	api.HandleFunc("/audio/transcriptions", s.passthroughHandler("audio", "/audio/transcriptions")).Methods("POST")
	api.HandleFunc("/models", s.passthroughHandler("models", "/models")).Methods("GET")
	api.HandleFunc("/admin/stats", s.handleAdminStats).Methods("GET")

	// Registered after the method-specific routes: a known /v1 path requested
	// with any other method is answered with 405 instead of falling to 404.
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		apierror.NewMethodNotAllowed(req.Method).WriteJSON(w)
	})
	for _, path := range []string{"/chat/completions", "/images/generations", "/audio/transcriptions", "/models", "/admin/stats"} {
		api.Handle(path, methodNotAllowed)
	}

	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   security.ClientIP(r),
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// gate runs the shared pre-handler sequence: burst breaker, rate limit,
// authentication. Returns false when it already answered the request.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, route string) bool {
	if !s.burst.Allow() {
		(&apierror.E{
			Status:  http.StatusTooManyRequests,
			Type:    apierror.TypeRateLimit,
			Code:    apierror.CodeRateLimitExceeded,
			Message: "service is shedding load, try again later",
			Details: map[string]interface{}{
				"reason": "global_circuit_breaker_tripped",
			},
		}).WriteJSON(w)
		return false
	}

	result := s.limiter.Check(route, security.ClientIP(r))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))
	if result.Limited {
		apierror.NewRateLimited(map[string]interface{}{
			"tiers": result.Tiers,
		}).WriteJSON(w)
		return false
	}

	if !s.auth.ValidateRequest(r) {
		apierror.NewAuthError("missing or invalid API key").WriteJSON(w)
		return false
	}

	return true
}

// handleChatCompletions runs the full mediation pipeline
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		apierror.NewInvalidRequest(apierror.CodeInvalidRequest, "Content-Type must be application/json").WriteJSON(w)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.NewInvalidRequest(apierror.CodeInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err)).WriteJSON(w)
		return
	}

	// A moderation request that got routed back into the proxy must not be
	// moderated again.
	skipModeration := moderation.IsSelfModeration(req.Messages)

	if !s.gate(w, r, "chat") {
		return
	}

	if err := proxy.ValidateChatRequest(&req); err != nil {
		apierror.From(err).WriteJSON(w)
		return
	}

	if !skipModeration && s.moderator.IsWhitelisted(req.Model) {
		skipModeration = true
		s.logger.WithField("model", req.Model).Debug("Model whitelisted, skipping review")
	}

	var verdict *moderation.Verdict
	if !skipModeration {
		var err error
		verdict, err = s.moderator.Review(r.Context(), req.Messages)
		if err != nil {
			s.writeChatError(w, req.Stream, apierror.From(err))
			return
		}
		if verdict.IsViolation {
			s.writeChatError(w, req.Stream, apierror.NewViolation(verdict.RiskLevel, verdict.LogID, verdict.IsPartialCheck))
			return
		}
	}

	if !s.breaker.Allow() {
		s.writeChatError(w, req.Stream, apierror.NewCircuitOpen("the upstream provider is temporarily unavailable"))
		return
	}

	if verdict != nil {
		w.Header().Set("X-Content-Review-ID", verdict.LogID)
		w.Header().Set("X-Risk-Level", strconv.Itoa(verdict.RiskLevel))
		if verdict.IsPartialCheck {
			w.Header().Set("X-Content-Review-Partial", "true")
		}
	}

	if req.Stream {
		s.serveStream(w, r, &req)
	} else {
		s.serveUnary(w, r, &req)
	}
}

// serveUnary forwards a non-streaming completion through the retry engine
func (s *Server) serveUnary(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	body, err := retry.Do(r.Context(), s.retryer, func(ctx context.Context) (json.RawMessage, error) {
		return s.forwarder.ChatCompletion(ctx, req)
	})
	if err != nil {
		apierror.From(err).WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// serveStream opens the upstream stream (through the retry engine) and hands
// it to the relay.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	resp, err := retry.Do(r.Context(), s.retryer, func(ctx context.Context) (*http.Response, error) {
		return s.forwarder.ChatStream(ctx, req)
	})
	if err != nil {
		relay.WriteSSEError(w, apierror.From(err))
		return
	}

	s.relay.Run(r.Context(), w, resp.Body)
}

// writeChatError answers with the shape the client expects: a JSON envelope
// for unary requests, an in-band SSE frame for streams.
func (s *Server) writeChatError(w http.ResponseWriter, stream bool, e *apierror.E) {
	if stream {
		relay.WriteSSEError(w, e)
		return
	}
	e.WriteJSON(w)
}

// passthroughHandler builds the handler for the straight proxy endpoints.
// They reuse only the gate (rate limiter, auth) and the error formatter.
func (s *Server) passthroughHandler(route, upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.gate(w, r, route) {
			return
		}
		s.forwarder.Passthrough(w, r, upstreamPath)
	}
}

// handleHealth reports liveness and breaker state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakerStats := s.breaker.Stats()

	status := "healthy"
	statusCode := http.StatusOK
	if tripped, _ := breakerStats["tripped"].(bool); tripped {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"provider":  breakerStats,
		"timestamp": time.Now().Unix(),
	})
}

// handleAdminStats exposes runtime counters to JWT-authenticated operators
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.ValidateAdminToken(r); err != nil {
		apierror.NewAuthError("admin access denied").WriteJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rate_limiter":  s.limiter.Stats(),
		"provider":      s.breaker.Stats(),
		"burst_tripped": s.burst.Tripped(),
		"timestamp":     time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming support
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
