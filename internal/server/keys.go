package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

func registerKeys(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Issue an API key",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body *CreateKeyRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body CreateKeyResponse `json:"body"`
	}, error) {
		name := ""
		if input.Body != nil {
			name = strings.TrimSpace(input.Body.Name)
		}
		raw, key, err := s.auth.IssueKey(ctx, name)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body CreateKeyResponse `json:"body"`
		}{Body: CreateKeyResponse{
			Key:       raw,
			KeyID:     key.ID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-key",
		Method:        http.MethodPost,
		Path:          "/keys/revoke",
		Summary:       "Revoke the calling API key",
		Tags:          []string{"Auth"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := s.auth.Revoke(ctx, caller, caller); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "exchange-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Exchange an API key for a short-lived bearer token",
		Tags:        []string{"Auth"},
	}, func(ctx context.Context, input *struct {
		Body TokenExchangeRequest `json:"body"`
	}) (*struct {
		Body TokenExchangeResponse `json:"body"`
	}, error) {
		key, err := s.auth.Authenticate(ctx, strings.TrimSpace(input.Body.APIKey))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		token, exp, err := s.auth.IssueJWT(key)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body TokenExchangeResponse `json:"body"`
		}{Body: TokenExchangeResponse{Token: token, TokenType: "Bearer", ExpiresAt: exp}}, nil
	})
}
