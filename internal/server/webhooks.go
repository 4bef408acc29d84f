package server

import (
	"io"
	"net/http"
	"path"

	"cdr.dev/slog"
	"github.com/go-chi/chi/v5"

	"simgate/internal/domain"
)

const maxWebhookBytes = 1 << 20

// registerWebhooks mounts provider notifications on chi directly: signature
// checks need the exact bytes the provider sent.
func registerWebhooks(r chi.Router, basePath string, s *service) {
	r.Post(path.Join("/", basePath, "webhooks", "{provider}"), s.webhook)
}

func (s *service) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil))
		return
	}
	p, err := s.engine.Providers.Get(kind)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput),
			"payment provider "+string(kind)+" is not enabled", nil))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.logger.Warn(ctx, "read webhook body", slog.F("provider", kind), slog.Error(err))
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "could not read body", nil))
		return
	}
	ack, err := s.engine.HandleWebhook(ctx, kind, payload, r.Header.Get(p.SignatureHeader()))
	if err != nil {
		respondStatusError(w, s.handleError(ctx, err))
		return
	}
	respondJSON(w, http.StatusOK, ack)
}
