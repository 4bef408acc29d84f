package server

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"cdr.dev/slog"
	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"simgate/internal/artifact"
	"simgate/internal/domain"
)

// artifactID normalises hex digests; library references keep their case.
func artifactID(id string) string {
	if _, ok := artifact.LibraryName(id); ok {
		return id
	}
	return strings.ToLower(id)
}

func artifactResponse(a domain.Artifact, created bool) ArtifactResponse {
	platforms := a.Platforms
	if platforms == nil {
		platforms = []string{}
	}
	return ArtifactResponse{
		ID:         a.ID,
		SHA256:     a.SHA256,
		Filename:   a.Filename,
		Size:       a.Size,
		SizeHuman:  humanize.IBytes(uint64(a.Size)),
		Platforms:  platforms,
		HasSources: a.HasSources,
		ModelName:  a.ModelName,
		FMIVersion: a.FMIVersion,
		GUID:       a.GUID,
		CreatedAt:  a.CreatedAt,
		Created:    created,
	}
}

// registerArtifacts mounts the raw upload route on chi, since the body is an
// opaque zip, and the read-only routes through huma.
func registerArtifacts(r chi.Router, api huma.API, basePath string, s *service) {
	r.Post(path.Join("/", basePath, "artifacts"), s.uploadArtifact)

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List uploaded artifacts",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		list, err := s.engine.Artifacts.List(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := make([]ArtifactResponse, 0, len(list))
		for _, a := range list {
			out = append(out, artifactResponse(a, false))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: out}, nil
	})

	type artifactOutput struct {
		Body ArtifactResponse `json:"body"`
	}
	get := func(ctx context.Context, id string) (*artifactOutput, error) {
		a, err := s.engine.Artifacts.Get(ctx, artifactID(id))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &artifactOutput{Body: artifactResponse(a, false)}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}",
		Summary:     "Get artifact metadata",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*artifactOutput, error) {
		return get(ctx, input.ID)
	})

	// Artifact ids are content hashes; the alias exists for clients that
	// only know the digest.
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-by-hash",
		Method:      http.MethodGet,
		Path:        "/artifacts/by-hash/{sha256}",
		Summary:     "Get artifact metadata by SHA-256",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *struct {
		SHA256 string `path:"sha256" pattern:"^[0-9a-fA-F]{64}$"`
	}) (*artifactOutput, error) {
		return get(ctx, input.SHA256)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-variables",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}/variables",
		Summary:     "List model variables",
		Description: "Variables declared in the artifact's modelDescription.xml. Accepts library references (msl:<name>).",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []VariableResponse `json:"body"`
	}, error) {
		vars, err := s.engine.Artifacts.Variables(ctx, artifactID(input.ID))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := make([]VariableResponse, 0, len(vars))
		for _, v := range vars {
			out = append(out, VariableResponse(v))
		}
		return &struct {
			Body []VariableResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-library",
		Method:      http.MethodGet,
		Path:        "/library",
		Summary:     "List built-in library models",
		Description: "Library models run with job_reference msl:<id> and need no upload.",
		Tags:        []string{"Artifacts"},
	}, func(ctx context.Context, input *struct {
		Query string `query:"query" maxLength:"200"`
	}) (*struct {
		Body []LibraryModelResponse `json:"body"`
	}, error) {
		models, err := s.engine.Artifacts.Library(ctx, input.Query)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := make([]LibraryModelResponse, 0, len(models))
		for _, m := range models {
			out = append(out, LibraryModelResponse(m))
		}
		return &struct {
			Body []LibraryModelResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (s *service) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, herr := callerFromContext(ctx)
	if herr != nil {
		respondStatusError(w, herr)
		return
	}
	limit := s.engine.Config.Artifacts.MaxBytes
	content, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		s.logger.Warn(ctx, "read upload", slog.Error(err))
		respondStatusError(w, newAPIError(http.StatusBadRequest, string(domain.KindArtifactInvalid), "could not read upload", nil))
		return
	}
	if int64(len(content)) > limit {
		respondStatusError(w, newAPIError(http.StatusBadRequest, string(domain.KindArtifactInvalid),
			"artifact exceeds "+humanize.IBytes(uint64(limit)), nil))
		return
	}
	if len(content) == 0 {
		respondStatusError(w, newAPIError(http.StatusBadRequest, string(domain.KindArtifactInvalid), "empty upload", nil))
		return
	}
	a, created, err := s.engine.Artifacts.Put(ctx, r.URL.Query().Get("filename"), content, caller)
	if err != nil {
		respondStatusError(w, s.handleError(ctx, err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, artifactResponse(a, created))
}
