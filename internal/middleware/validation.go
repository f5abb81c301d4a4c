package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware validates inbound requests against the service's
// OpenAPI document. Disabled by default; when the spec cannot be matched the
// request passes through so the dispatcher's own checks still apply.
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidationMiddleware loads the OpenAPI spec when enabled
func NewValidationMiddleware(enabled bool, specPath string, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: enabled,
	}

	if !enabled {
		logger.Info("OpenAPI request validation disabled")
		return vm, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec from %s: %w", specPath, err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	vm.router = router

	logger.WithField("spec_path", specPath).Info("OpenAPI request validation enabled")
	return vm, nil
}

// Middleware validates the request shape before the dispatcher sees it
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !vm.enabled || vm.skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		route, pathParams, err := vm.router.FindRoute(r)
		if err != nil {
			// Unknown paths fall through to the dispatcher's 404 handling.
			next.ServeHTTP(w, r)
			return
		}

		// The validator consumes the body; buffer it so the dispatcher can
		// read it again.
		var bodyBytes []byte
		if r.Body != nil {
			bodyBytes, _ = io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		requestValidationInput := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}

		err = openapi3filter.ValidateRequest(r.Context(), requestValidationInput)
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		if err != nil {
			vm.logger.WithFields(logrus.Fields{
				"path":  r.URL.Path,
				"error": err.Error(),
			}).Warn("Request failed OpenAPI validation")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"message":%q,"type":"invalid_request_error","code":"invalid_request"}}`, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// skip exempts endpoints whose bodies are not JSON or not ours to validate
func (vm *ValidationMiddleware) skip(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	path := r.URL.Path
	return strings.HasPrefix(path, "/docs") ||
		path == "/health" ||
		strings.HasPrefix(path, "/v1/audio")
}
