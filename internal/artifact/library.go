package artifact

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"cdr.dev/slog"
	"github.com/spf13/afero"

	"simgate/internal/domain"
	"simgate/internal/sandbox"
)

// LibraryPrefix marks job references that name a model from the built-in
// library instead of an uploaded artifact.
const LibraryPrefix = "msl:"

var libraryNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// LibraryName returns the model name of a library reference.
func LibraryName(ref string) (string, bool) {
	if !strings.HasPrefix(ref, LibraryPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, LibraryPrefix), true
}

// LibraryModel describes one entry of the model library.
type LibraryModel struct {
	ID          string `json:"id"`
	Reference   string `json:"job_reference"`
	ModelName   string `json:"model_name"`
	Description string `json:"description,omitempty"`
	FMIVersion  string `json:"fmi_version,omitempty"`
	GUID        string `json:"guid,omitempty"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
}

// WithLibrary serves "msl:" references from *.fmu files at the root of fsys.
func (s *Store) WithLibrary(fsys afero.Fs) *Store {
	s.library = fsys
	return s
}

// OpenLibrary roots a read-only library at dir. An empty dir disables it.
func OpenLibrary(dir string) afero.Fs {
	if dir == "" {
		return nil
	}
	return afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// Library lists library models whose id or model name contains query,
// case-insensitively. Files that fail validation are skipped.
func (s *Store) Library(ctx context.Context, query string) ([]LibraryModel, error) {
	out := []LibraryModel{}
	if s.library == nil {
		return out, nil
	}
	entries, err := afero.ReadDir(s.library, "/")
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	q := strings.ToLower(strings.TrimSpace(query))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		if !libraryNameRE.MatchString(name) {
			continue
		}
		_, _, m, err := s.loadLibrary(name)
		if err != nil {
			s.logger.Debug(ctx, "skip library model", slog.F("name", name), slog.Error(err))
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(name), q) && !strings.Contains(strings.ToLower(m.ModelName), q) {
			continue
		}
		out = append(out, LibraryModel{
			ID:          name,
			Reference:   LibraryPrefix + name,
			ModelName:   m.ModelName,
			Description: m.Description,
			FMIVersion:  m.FMIVersion,
			GUID:        m.GUID,
			SHA256:      m.SHA256,
			Size:        m.Size,
		})
	}
	return out, nil
}

func (s *Store) loadLibrary(name string) (domain.Artifact, []byte, sandbox.Manifest, error) {
	notFound := domain.Errorf(domain.KindArtifactNotFound, "library model %s not found", name)
	if s.library == nil || !libraryNameRE.MatchString(name) {
		return domain.Artifact{}, nil, sandbox.Manifest{}, notFound
	}
	file := "/" + name + fileExt
	info, err := s.library.Stat(file)
	if err != nil || info.IsDir() {
		return domain.Artifact{}, nil, sandbox.Manifest{}, notFound
	}
	content, err := afero.ReadFile(s.library, file)
	if err != nil {
		return domain.Artifact{}, nil, sandbox.Manifest{}, domain.Wrap(domain.KindArtifactNotFound, "library model unavailable", err)
	}
	m, err := s.validator.Validate(content)
	if err != nil {
		return domain.Artifact{}, nil, sandbox.Manifest{}, err
	}
	a := domain.Artifact{
		ID:          LibraryPrefix + name,
		SHA256:      m.SHA256,
		Filename:    name + fileExt,
		Size:        m.Size,
		Platforms:   m.Platforms,
		HasSources:  m.HasSources,
		ModelName:   m.ModelName,
		FMIVersion:  m.FMIVersion,
		GUID:        m.GUID,
		StoragePath: file,
		UploadedBy:  "library",
		CreatedAt:   info.ModTime().UTC(),
	}
	return a, content, m, nil
}
