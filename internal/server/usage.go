package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"simgate/internal/domain"
	"simgate/internal/repo"
)

func registerUsage(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-usage",
		Method:      http.MethodGet,
		Path:        "/usage",
		Summary:     "List the caller's usage records",
		Description: "Records are returned oldest first. Pass next_cursor as `after` to page.",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *struct {
		Limit int   `query:"limit" minimum:"0" maximum:"200"`
		After int64 `query:"after" minimum:"0"`
	}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		caller, herr := callerFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.ListUsage(ctx, repo.UsageFilters{
			CallerKey: caller,
			AfterID:   input.After,
			Limit:     limit,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.UsageRecord{}
		}
		resp := UsageResponse{Items: items}
		if len(items) == limit {
			resp.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: resp}, nil
	})
}
