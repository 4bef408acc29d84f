package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"simgate/internal/domain"
	"simgate/internal/engine"
)

type payInput struct {
	Body PayRequest `json:"body"`
}

type payOutput struct {
	Body PayResponse `json:"body"`
}

type tokenOutput struct {
	Body TokenResponse `json:"body"`
}

func (s *service) allow(caller string) huma.StatusError {
	if s.callers.Allow(caller) {
		return nil
	}
	return newAPIError(http.StatusTooManyRequests, string(domain.KindRateLimited), "too many requests, try again later", nil)
}

func (s *service) pay(ctx context.Context, provider domain.Provider, req PayRequest) (*payOutput, error) {
	caller, herr := callerFromContext(ctx)
	if herr != nil {
		return nil, herr
	}
	if herr := s.allow(caller); herr != nil {
		return nil, herr
	}
	sess, reused, err := s.engine.CreateOrReuse(ctx, engine.SessionRequest{
		CallerKey:    caller,
		JobReference: req.JobReference,
		Provider:     provider,
		SuccessURL:   req.SuccessURL,
		CancelURL:    req.CancelURL,
	})
	if err != nil {
		return nil, s.handleError(ctx, err)
	}
	return &payOutput{Body: payResponse(sess, reused)}, nil
}

func registerPayments(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "pay",
		Method:      http.MethodPost,
		Path:        "/pay",
		Summary:     "Open (or reuse) a card checkout for a job",
		Tags:        []string{"Payments"},
	}, func(ctx context.Context, input *payInput) (*payOutput, error) {
		return s.pay(ctx, domain.ProviderStripe, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-crypto",
		Method:      http.MethodPost,
		Path:        "/pay/crypto",
		Summary:     "Open (or reuse) a crypto charge for a job",
		Tags:        []string{"Payments"},
	}, func(ctx context.Context, input *payInput) (*payOutput, error) {
		return s.pay(ctx, domain.ProviderCrypto, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkout-token",
		Method:      http.MethodGet,
		Path:        "/payments/checkout/{session_id}",
		Summary:     "Fetch the payment token of a confirmed session",
		Tags:        []string{"Payments"},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*tokenOutput, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tok, err := s.engine.TokenForSession(ctx, caller, input.SessionID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &tokenOutput{Body: tokenResponse(tok)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "crypto-token",
		Method:      http.MethodGet,
		Path:        "/payments/crypto/{code}",
		Summary:     "Fetch the payment token of a confirmed crypto charge",
		Tags:        []string{"Payments"},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*tokenOutput, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tok, err := s.engine.TokenForProviderRef(ctx, caller, domain.ProviderCrypto, input.Code)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &tokenOutput{Body: tokenResponse(tok)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a payment session",
		Tags:        []string{"Payments"},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		sess, err := s.engine.Session(ctx, caller, input.SessionID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(sess)}, nil
	})
}
