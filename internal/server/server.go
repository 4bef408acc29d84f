package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cdr.dev/slog"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"simgate/internal/domain"
	"simgate/internal/engine"
	"simgate/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Auth     auth.Service
	Logger   slog.Logger
	BasePath string
	Version  string
	// Requests per minute; zero disables the limit.
	CallerRateLimit int
	KeyRateLimit    int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"token_consumed"`
	Message string         `json:"message" example:"payment token already used"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// challengeError is a refused execution. The body carries the challenge
// beside the usual envelope so a client can pay and retry from it alone.
type challengeError struct {
	status int
	*engine.Challenge
	Err apiErrorBody `json:"error"`
}

func (e *challengeError) GetStatus() int { return e.status }
func (e *challengeError) Error() string  { return e.Err.Message }

type service struct {
	engine  engine.Engine
	auth    auth.Service
	logger  slog.Logger
	version string
	callers *callerLimiter
}

// New returns an HTTP handler exposing the simgate API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config is required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &service{
		engine:  cfg.Engine,
		auth:    cfg.Auth,
		logger:  cfg.Logger.Named("http"),
		version: version,
		callers: newCallerLimiter(cfg.CallerRateLimit),
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are plain bad requests here.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(s.recoverer)
	router.Use(s.requestLogger)
	router.Use(newAuthMiddleware(basePath, s.auth))
	router.Use(limitKeyRoutes(basePath, newKeyRateLimit(cfg.KeyRateLimit)))

	hcfg := huma.DefaultConfig("simgate API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.Info.Description = "Payment-gated simulation execution."
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerDocs(router, basePath)
	registerHealth(group, s)
	router.Handle(path.Join("/", basePath, "metrics"), s.engine.Metrics.Handler())
	registerKeys(group, s)
	registerArtifacts(router, group, basePath, s)
	registerPayments(group, s)
	registerExecute(group, s)
	registerUsage(group, s)
	registerWebhooks(router, basePath, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var kindStatus = map[domain.Kind]int{
	domain.KindPaymentRequired:     http.StatusPaymentRequired,
	domain.KindInvalidSignature:    http.StatusBadRequest,
	domain.KindSessionNotFound:     http.StatusNotFound,
	domain.KindTokenNotReady:       http.StatusNotFound,
	domain.KindTokenNotFound:       http.StatusNotFound,
	domain.KindTokenExpired:        http.StatusPaymentRequired,
	domain.KindTokenConsumed:       http.StatusGone,
	domain.KindArtifactInvalid:     http.StatusBadRequest,
	domain.KindArtifactNotFound:    http.StatusNotFound,
	domain.KindExecutionTimeout:    http.StatusRequestTimeout,
	domain.KindExecutionFailure:    http.StatusInternalServerError,
	domain.KindResponseTooLarge:    http.StatusRequestEntityTooLarge,
	domain.KindStorageUnavailable:  http.StatusInternalServerError,
	domain.KindProviderUnavailable: http.StatusBadGateway,
	domain.KindUnauthorized:        http.StatusUnauthorized,
	domain.KindRateLimited:         http.StatusTooManyRequests,
	domain.KindInvalidInput:        http.StatusBadRequest,
}

// handleError maps a domain error onto the envelope. Anything unclassified
// is logged and answered with a generic 500.
func (s *service) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		s.logger.Error(ctx, "unhandled error", slog.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn(ctx, "request failed", slog.F("kind", kind), slog.Error(err))
	}
	msg := domain.PublicMessage(err)
	if kind == domain.KindExecutionFailure {
		msg = domain.ErrExecutionFailure.Message
	}
	return newAPIError(status, string(kind), msg, nil)
}

// challengeResponse renders a PaymentRequired decision. Redemption failures
// keep their own status; everything else is a 402.
func challengeResponse(d engine.Decision) huma.StatusError {
	kind := domain.KindOf(d.Err)
	status, ok := kindStatus[kind]
	if !ok {
		kind, status = domain.KindPaymentRequired, http.StatusPaymentRequired
	}
	msg := domain.ErrPaymentRequired.Message
	if d.Err != nil {
		msg = domain.PublicMessage(d.Err)
	}
	return &challengeError{
		status:    status,
		Challenge: d.Challenge,
		Err:       apiErrorBody{Code: string(kind), Message: msg},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; ok {
				continue
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: apiKeyHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if isPublic(basePath, route, op.Method) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>simgate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with X-Api-Key or Authorization: Bearer &lt;key or token&gt;.
    </p>
  </body>
</html>`, specURL)
}

type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Version string `json:"version"`
}

func registerHealth(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Version: s.version}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
