package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"simgate/internal/domain"
	"simgate/internal/engine"
)

func registerExecute(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Run the simulation job, paying with a token",
		Description: "Without a valid payment_token the answer is 402 with a challenge " +
			"describing how to pay. A token is spent by the first request that presents it.",
		Tags: []string{"Execute"},
	}, func(ctx context.Context, input *struct {
		Body ExecuteRequest `json:"body"`
	}) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if herr := s.allow(caller); herr != nil {
			return nil, herr
		}
		var params json.RawMessage
		if input.Body.Params != nil {
			raw, err := json.Marshal(input.Body.Params)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidInput), "params must be a JSON object", nil)
			}
			params = raw
		}
		d, res, err := s.engine.Execute(ctx, engine.ExecuteRequest{
			CallerKey:     caller,
			JobReference:  input.Body.JobReference,
			Params:        params,
			PaymentToken:  input.Body.PaymentToken,
			PaymentMethod: input.Body.PaymentMethod,
			QuoteOnly:     input.Body.QuoteOnly,
			SuccessURL:    input.Body.SuccessURL,
			CancelURL:     input.Body.CancelURL,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if d.Kind != engine.Authorized {
			return nil, challengeResponse(d)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: ExecuteResponse{
			Result:     resultValue(res.Output),
			Cached:     res.Cached,
			Truncated:  res.Truncated,
			DurationMS: res.Duration.Milliseconds(),
			SessionID:  res.SessionID,
		}}, nil
	})
}

// resultValue embeds JSON output as-is and anything else as a string.
func resultValue(out []byte) any {
	if len(out) > 0 && json.Valid(out) {
		return json.RawMessage(out)
	}
	return string(out)
}
