package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"simgate/internal/domain"
	"simgate/internal/engine/auth"
)

const apiKeyHeader = "X-Api-Key"

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// callerFromContext returns the authenticated key id.
func callerFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.KeyID != "" {
		return p.KeyID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// isPublic lists the routes reachable without caller credentials. Webhooks
// authenticate by signature instead.
func isPublic(basePath, route, method string) bool {
	rel := strings.TrimPrefix(route, path.Join("/", basePath))
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	switch {
	case rel == "/health", rel == "/metrics", rel == "/docs", rel == "/openapi.json":
		return true
	case rel == "/keys" && method == http.MethodPost:
		return true
	case rel == "/auth/token":
		return true
	case strings.HasPrefix(rel, "/webhooks/"):
		return true
	}
	return false
}

func newAuthMiddleware(basePath string, svc auth.Service) func(http.Handler) http.Handler {
	prefix := path.Join("/", basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, prefix) {
				next.ServeHTTP(w, req)
				return
			}
			if isPublic(basePath, req.URL.Path, req.Method) {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := svc.Resolve(req.Context(),
				req.Header.Get(apiKeyHeader),
				req.Header.Get("Authorization"))
			if err != nil {
				if domain.KindOf(err) == domain.KindUnauthorized {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	respondJSON(w, err.GetStatus(), err)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
