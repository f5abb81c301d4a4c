package server

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot181/transit-filter-api/internal/config"
	"github.com/slot181/transit-filter-api/internal/health"
	"github.com/slot181/transit-filter-api/internal/moderation"
	"github.com/slot181/transit-filter-api/internal/proxy"
	"github.com/slot181/transit-filter-api/internal/relay"
	"github.com/slot181/transit-filter-api/internal/retry"
	"github.com/slot181/transit-filter-api/internal/security"
)

const testAuthKey = "sk-client-key"

// fakeClassifier plays back a fixed verdict and counts calls
type fakeClassifier struct {
	verdict string
	calls   atomic.Int32
}

func (f *fakeClassifier) Classify(ctx context.Context, model, system string, userPrompts []string) (string, error) {
	f.calls.Add(1)
	return f.verdict, nil
}

type testEnv struct {
	handler    http.Handler
	classifier *fakeClassifier
	breaker    *health.ProviderBreaker
	burst      *health.BurstBreaker
	upstream   *httptest.Server
	upstreamN  *atomic.Int32
}

type envOptions struct {
	chatRPM        int
	burstThreshold int
	enableRetry    bool
	whitelist      []string
	adminSecret    string
	upstreamFunc   http.HandlerFunc
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	upstreamCalls := &atomic.Int32{}
	upstreamFunc := opts.upstreamFunc
	if upstreamFunc == nil {
		upstreamFunc = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
		}
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		upstreamFunc(w, r)
	}))
	t.Cleanup(upstream.Close)

	if opts.chatRPM == 0 {
		opts.chatRPM = 60
	}
	if opts.burstThreshold == 0 {
		opts.burstThreshold = BurstThreshold
	}

	cfg := &config.Config{}
	cfg.Server.Port = "0"
	cfg.Auth.Key = testAuthKey
	cfg.Auth.AdminJWTSecret = opts.adminSecret
	cfg.FirstProvider = config.ProviderConfig{Type: "openai", Models: []string{"gpt-4o-mini"}}
	cfg.SecondProvider = config.ProviderConfig{URL: upstream.URL, Key: "sk-upstream"}
	cfg.Timeouts = config.TimeoutConfig{
		MaxRetryTime:  10 * time.Second,
		RetryDelay:    time.Millisecond,
		StreamTimeout: 5 * time.Second,
		MaxRetryCount: 3,
		EnableRetry:   opts.enableRetry,
	}
	cfg.RateLimits = config.RateLimitConfig{
		ChatRPM: opts.chatRPM, ImagesRPM: 50, AudioRPM: 50, ModelsRPM: 100, GlobalIPRPM: 1000,
	}
	cfg.ServiceHealth = config.ServiceHealthConfig{MaxErrors: 3, ErrorWindow: time.Minute}
	cfg.Moderation = config.ModerationConfig{
		Strategy: "round-robin", RiskThreshold: 5, WhitelistedModels: opts.whitelist,
	}

	breaker := health.NewProviderBreaker(cfg.ServiceHealth.MaxErrors, cfg.ServiceHealth.ErrorWindow, logger)
	t.Cleanup(breaker.Stop)
	burst := health.NewBurstBreaker(opts.burstThreshold, logger)
	limiter := security.NewMultiTierLimiter(cfg.RateLimits, logger)
	t.Cleanup(limiter.Stop)

	classifier := &fakeClassifier{verdict: `{"isViolation": false, "riskLevel": 1}`}
	rng := rand.New(rand.NewSource(1))
	moderator := moderation.NewEngine(
		cfg.FirstProvider, cfg.Moderation, cfg.AttemptTimeout(),
		classifier, moderation.NewPreprocessor(rng, logger), breaker, rng, logger,
	)

	srv := NewServer(cfg, Deps{
		Auth:      security.NewAuthenticator(cfg.Auth.Key, cfg.Auth.AdminJWTSecret, logger),
		Limiter:   limiter,
		Burst:     burst,
		Breaker:   breaker,
		Retryer:   retry.NewEngine(cfg.Timeouts, logger),
		Moderator: moderator,
		Forwarder: proxy.NewForwarder(cfg.SecondProvider, cfg.AttemptTimeout(), breaker, logger),
		Relay:     relay.NewRelay(cfg.Timeouts.StreamTimeout, logger),
	}, logger)

	return &testEnv{
		handler:    srv.setupRoutes(),
		classifier: classifier,
		breaker:    breaker,
		burst:      burst,
		upstream:   upstream,
		upstreamN:  upstreamCalls,
	}
}

func chatBody(extra string) string {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]`
	if extra != "" {
		body += "," + extra
	}
	return body + "}"
}

func doChat(env *testEnv, body string, authorized bool) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "1.2.3.4:5678"
	if authorized {
		r.Header.Set("Authorization", "Bearer "+testAuthKey)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, body string) (string, string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &envelope))
	return envelope.Error.Type, envelope.Error.Code
}

func TestChat_MissingAuth(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := doChat(env, chatBody(""), false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	errType, errCode := decodeError(t, w.Body.String())
	assert.Equal(t, "authentication_error", errType)
	assert.Equal(t, "invalid_auth_key", errCode)
	assert.Equal(t, int32(0), env.upstreamN.Load())
}

func TestChat_HappyUnary(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := doChat(env, chatBody(`"stream":false`), true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-1")
	assert.Equal(t, "1", w.Header().Get("X-Risk-Level"))
	assert.NotEmpty(t, w.Header().Get("X-Content-Review-ID"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, int32(1), env.classifier.calls.Load())
	assert.Equal(t, int32(1), env.upstreamN.Load())
}

func TestChat_ViolationUnary(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.classifier.verdict = `{"isViolation": true, "riskLevel": 5}`

	w := doChat(env, chatBody(""), true)

	assert.Equal(t, http.StatusForbidden, w.Code)
	_, errCode := decodeError(t, w.Body.String())
	assert.Equal(t, "content_violation", errCode)
	assert.Equal(t, int32(0), env.upstreamN.Load(), "a blocked request must never reach the primary provider")
}

func TestChat_ViolationStream(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.classifier.verdict = `{"isViolation": true, "riskLevel": 5}`

	w := doChat(env, chatBody(`"stream":true`), true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "))
	assert.Contains(t, body, `"code":"content_violation"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, int32(0), env.upstreamN.Load())
}

func TestChat_StreamingHappyPath(t *testing.T) {
	env := newTestEnv(t, envOptions{
		upstreamFunc: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: {\"id\":\"1\"}\n\ndata: {\"id\":\"2\"}\n\ndata: [DONE]\n\n"))
		},
	})

	w := doChat(env, chatBody(`"stream":true`), true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Risk-Level"))

	body := w.Body.String()
	assert.Contains(t, body, "data: {\"id\":\"1\"}\n\ndata: {\"id\":\"2\"}\n\n")
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
}

func TestChat_RateLimitSecondBurst(t *testing.T) {
	env := newTestEnv(t, envOptions{chatRPM: 2})

	first := doChat(env, chatBody(""), true)
	assert.Equal(t, http.StatusOK, first.Code)

	second := doChat(env, chatBody(""), true)
	assert.Equal(t, http.StatusOK, second.Code)

	third := doChat(env, chatBody(""), true)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "0", third.Header().Get("X-RateLimit-Remaining"))

	errType, errCode := decodeError(t, third.Body.String())
	assert.Equal(t, "rate_limit_error", errType)
	assert.Equal(t, "rate_limit_exceeded", errCode)
	assert.Contains(t, third.Body.String(), "tiers")
	assert.NotEmpty(t, third.Header().Get("X-RateLimit-Reset"))
}

func TestChat_O3TemperatureConstraint(t *testing.T) {
	env := newTestEnv(t, envOptions{enableRetry: true})

	body := `{"model":"o3-mini","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`
	w := doChat(env, body, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, errCode := decodeError(t, w.Body.String())
	assert.Equal(t, "invalid_temperature", errCode)
	assert.Equal(t, int32(0), env.upstreamN.Load(), "no attempts may be made regardless of retry config")
}

func TestChat_BreakerOpen(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for i := 0; i < 4; i++ {
		env.breaker.RecordFailure()
	}

	w := doChat(env, chatBody(""), true)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"circuit_breaker":true`)
	assert.Equal(t, int32(0), env.upstreamN.Load())
	assert.Equal(t, int32(0), env.classifier.calls.Load(), "moderation must be skipped while the breaker is open")
}

func TestChat_SentinelSkipsModeration(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	body := `{"model":"gpt-4","messages":[{"role":"system","content":"` + moderation.Sentinel + `"},{"role":"user","content":"classify this"}]}`
	w := doChat(env, body, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(0), env.classifier.calls.Load(), "sentinel requests must perform zero moderation calls")
	assert.Equal(t, int32(1), env.upstreamN.Load())
	assert.Empty(t, w.Header().Get("X-Risk-Level"))
}

func TestChat_WhitelistedModelSkipsModeration(t *testing.T) {
	env := newTestEnv(t, envOptions{whitelist: []string{"gpt-4*"}})

	w := doChat(env, chatBody(""), true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(0), env.classifier.calls.Load())
	assert.Equal(t, int32(1), env.upstreamN.Load())
}

func TestChat_InvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := doChat(env, `{"model": "gpt-4", "messages": [`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errType, _ := decodeError(t, w.Body.String())
	assert.Equal(t, "invalid_request_error", errType)
}

func TestChat_UpstreamErrorPassedThrough(t *testing.T) {
	env := newTestEnv(t, envOptions{
		upstreamFunc: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"no such model","type":"invalid_request_error","code":"model_not_found"}}`))
		},
	})

	w := doChat(env, chatBody(""), true)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t,
		`{"error":{"message":"no such model","type":"invalid_request_error","code":"model_not_found"}}`,
		w.Body.String())
	assert.Equal(t, int32(1), env.upstreamN.Load(), "4xx responses are not retried")
}

func TestChat_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	env := newTestEnv(t, envOptions{
		enableRetry: true,
		upstreamFunc: func(w http.ResponseWriter, r *http.Request) {
			if n.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"chatcmpl-recovered"}`))
		},
	})

	w := doChat(env, chatBody(""), true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-recovered")
	assert.Equal(t, int32(3), env.upstreamN.Load())
}

func TestChat_BurstBreaker(t *testing.T) {
	env := newTestEnv(t, envOptions{burstThreshold: 3})

	var lastCode int
	for i := 0; i < 10; i++ {
		w := doChat(env, chatBody(""), true)
		lastCode = w.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, lastCode)

	w := doChat(env, chatBody(""), true)
	assert.Contains(t, w.Body.String(), "global_circuit_breaker_tripped")
}

func TestModelsPassthrough(t *testing.T) {
	env := newTestEnv(t, envOptions{
		upstreamFunc: func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4"}]}`))
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer "+testAuthKey)
	r.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-4")
	assert.Equal(t, int32(0), env.classifier.calls.Load(), "passthrough routes are not moderated")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	_, errCode := decodeError(t, w.Body.String())
	assert.Equal(t, "method_not_allowed", errCode)
}

func TestOptionsPreflightAnswered(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	r := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	for i := 0; i < 4; i++ {
		env.breaker.RecordFailure()
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t, envOptions{adminSecret: "admin-secret"})

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	auth := security.NewAuthenticator(testAuthKey, "admin-secret", logger)
	token, err := auth.GenerateAdminToken("ops", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limiter")

	// Client API keys are not admin credentials.
	r = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	r.Header.Set("Authorization", "Bearer "+testAuthKey)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
