package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/apierror"
	"github.com/slot181/transit-filter-api/internal/config"
	"github.com/slot181/transit-filter-api/internal/health"
	"github.com/slot181/transit-filter-api/internal/types"
)

const defaultMaxTokens = 4096

// Forwarder performs requests against the primary provider. Every failure it
// observes is recorded on the shared provider breaker.
type Forwarder struct {
	baseURL        string
	key            string
	attemptTimeout time.Duration
	client         *http.Client
	breaker        *health.ProviderBreaker
	logger         *logrus.Logger
}

// NewForwarder creates a forwarder for the configured primary provider
func NewForwarder(cfg config.ProviderConfig, attemptTimeout time.Duration, breaker *health.ProviderBreaker, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		key:     cfg.Key,
		attemptTimeout: attemptTimeout,
		// No Timeout on the client itself: streams are bounded by the relay
		// watchdog, unary calls by a per-attempt context.
		client:  &http.Client{},
		breaker: breaker,
		logger:  logger,
	}
}

// chatPayload is the downstream request body. Only mediated fields are named;
// everything else the contract excludes is dropped.
type chatPayload struct {
	Model          string                `json:"model"`
	Messages       []types.Message       `json:"messages"`
	Stream         bool                  `json:"stream"`
	Temperature    *float32              `json:"temperature,omitempty"`
	MaxTokens      int                   `json:"max_tokens"`
	ResponseFormat *types.ResponseFormat `json:"response_format,omitempty"`
	Tools          []types.Tool          `json:"tools,omitempty"`
}

// ValidateChatRequest enforces model-specific constraints before dispatch
func ValidateChatRequest(req *types.ChatRequest) error {
	if req.Model == "" {
		return apierror.NewInvalidRequest(apierror.CodeInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return apierror.NewInvalidRequest(apierror.CodeInvalidRequest, "messages must not be empty")
	}
	if strings.Contains(strings.ToLower(req.Model), "o3") &&
		req.Temperature != nil && *req.Temperature != 0 {
		return apierror.NewInvalidRequest(apierror.CodeInvalidTemperature,
			fmt.Sprintf("model %s requires temperature=0", req.Model))
	}
	return nil
}

// buildPayload shapes the downstream chat request
func buildPayload(req *types.ChatRequest, stream bool) *chatPayload {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return &chatPayload{
		Model:          req.Model,
		Messages:       req.Messages,
		Stream:         stream,
		Temperature:    req.Temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: req.ResponseFormat,
		Tools:          req.Tools,
	}
}

// ChatCompletion performs a unary chat completion and returns the provider's
// JSON body. On failure the full response envelope is preserved on the error.
func (f *Forwarder) ChatCompletion(ctx context.Context, req *types.ChatRequest) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	resp, err := f.post(callCtx, "/chat/completions", buildPayload(req, false))
	if err != nil {
		f.breaker.RecordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.breaker.RecordFailure()
		return nil, apierror.NewServiceUnavailable(fmt.Sprintf("failed to read provider response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.breaker.RecordFailure()
		return nil, f.upstreamError(resp, body)
	}

	if !json.Valid(body) {
		f.breaker.RecordFailure()
		return nil, apierror.NewServiceUnavailable("provider returned a malformed response")
	}

	f.breaker.RecordSuccess()
	return body, nil
}

// ChatStream performs a streaming chat completion. Non-2xx responses are
// buffered and surfaced as upstream errors; otherwise the caller owns the
// byte stream. The stream has no per-attempt timeout; the relay watchdog is
// the only bound.
func (f *Forwarder) ChatStream(ctx context.Context, req *types.ChatRequest) (*http.Response, error) {
	resp, err := f.post(ctx, "/chat/completions", buildPayload(req, true))
	if err != nil {
		f.breaker.RecordFailure()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		f.breaker.RecordFailure()
		return nil, f.upstreamError(resp, body)
	}

	f.breaker.RecordSuccess()
	return resp, nil
}

// post issues an authenticated JSON POST against the provider
func (f *Forwarder) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apierror.NewInternal(fmt.Sprintf("failed to encode provider request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, apierror.NewInternal(fmt.Sprintf("failed to build provider request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+f.key)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, apierror.NewServiceUnavailable(fmt.Sprintf("provider request failed: %v", err))
	}
	return resp, nil
}

// upstreamError preserves the provider's status, headers and body, pulling
// the original error message out of the envelope when one is present.
func (f *Forwarder) upstreamError(resp *http.Response, body []byte) *apierror.E {
	message := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	var probe struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Error.Message != "" {
		message = probe.Error.Message
	}

	f.logger.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"message": message,
	}).Warn("Primary provider error")

	return apierror.NewUpstream(&apierror.UpstreamResponse{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, message)
}

// Passthrough relays the request's method, body and Content-Type to the
// provider under the proxy's own credentials; the query string and other
// request headers are not forwarded. Used by the image, audio and
// model-listing endpoints.
func (f *Forwarder) Passthrough(w http.ResponseWriter, r *http.Request, path string) {
	upstreamURL := f.baseURL + path
	httpReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		apierror.NewInternal("failed to build provider request").WriteJSON(w)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		httpReq.Header.Set("Content-Type", ct)
	}
	httpReq.Header.Set("Authorization", "Bearer "+f.key)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.breaker.RecordFailure()
		apierror.NewServiceUnavailable(fmt.Sprintf("provider request failed: %v", err)).WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		f.breaker.RecordFailure()
	} else {
		f.breaker.RecordSuccess()
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.WithError(err).Debug("Passthrough copy interrupted")
	}
}
