// Package artifact keeps uploaded simulation packages on disk, addressed by
// the SHA-256 of their bytes, with metadata in the database.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/repo"
	"simgate/internal/sandbox"
)

const fileExt = ".fmu"

type Store struct {
	fs        afero.Fs
	repo      repo.Repo
	events    events.Writer
	validator *sandbox.Validator
	logger    slog.Logger
	now       func() time.Time
	library   afero.Fs
}

// NewStore roots the store at dir on the OS filesystem.
func NewStore(dir string, r repo.Repo, ev events.Writer, v *sandbox.Validator, logger slog.Logger) (*Store, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return NewStoreFS(afero.NewBasePathFs(osfs, dir), r, ev, v, logger), nil
}

// NewStoreFS uses fsys as the store root. Tests pass a MemMapFs.
func NewStoreFS(fsys afero.Fs, r repo.Repo, ev events.Writer, v *sandbox.Validator, logger slog.Logger) *Store {
	return &Store{
		fs:        fsys,
		repo:      r,
		events:    ev,
		validator: v,
		logger:    logger.Named("artifacts"),
		now:       time.Now,
	}
}

// Put validates content and stores it once. Uploading identical bytes again
// returns the existing record without rewriting the file.
func (s *Store) Put(ctx context.Context, filename string, content []byte, uploadedBy string) (domain.Artifact, bool, error) {
	m, err := s.validator.Validate(content)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	existing, err := s.repo.GetArtifact(ctx, m.SHA256)
	if err == nil {
		s.logger.Debug(ctx, "artifact already stored", slog.F("id", existing.ID))
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, false, err
	}

	name := "/" + m.SHA256 + fileExt
	if ok, _ := afero.Exists(s.fs, name); !ok {
		if err := s.writeAtomic(name, content); err != nil {
			return domain.Artifact{}, false, fmt.Errorf("store artifact: %w", err)
		}
	}
	a := domain.Artifact{
		ID:          m.SHA256,
		SHA256:      m.SHA256,
		Filename:    baseName(filename),
		Size:        m.Size,
		Platforms:   m.Platforms,
		HasSources:  m.HasSources,
		ModelName:   m.ModelName,
		FMIVersion:  m.FMIVersion,
		GUID:        m.GUID,
		StoragePath: name,
		UploadedBy:  uploadedBy,
		CreatedAt:   s.now().UTC(),
	}
	created, err := s.repo.InsertArtifact(ctx, a)
	if err != nil {
		return domain.Artifact{}, false, err
	}
	if !created {
		// Lost a race with an identical upload.
		stored, err := s.repo.GetArtifact(ctx, a.ID)
		return stored, false, err
	}
	if err := s.events.Append(ctx, nil, events.ArtifactUploaded, "artifact", a.ID, uploadedBy, events.EventPayload{
		"size":       a.Size,
		"model_name": a.ModelName,
	}); err != nil {
		s.logger.Warn(ctx, "audit artifact upload", slog.Error(err))
	}
	s.logger.Info(ctx, "artifact stored",
		slog.F("id", a.ID),
		slog.F("model", a.ModelName),
		slog.F("size", humanize.IBytes(uint64(a.Size))))
	return a, true, nil
}

func baseName(filename string) string {
	if filename == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(filename, `\`, "/"))
}

// writeAtomic stages content under a unique temp name so concurrent writers
// of the same artifact never share a file. Content addressing means any
// writer's rename leaves the same bytes in place.
func (s *Store) writeAtomic(name string, content []byte) error {
	f, err := afero.TempFile(s.fs, path.Dir(name), path.Base(name)+"-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.fs.Rename(tmp, name)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		if ok, _ := afero.Exists(s.fs, name); ok {
			return nil
		}
		return err
	}
	return nil
}

// Get returns metadata for id, or ErrArtifactNotFound. Library references
// ("msl:<name>") resolve against the model library.
func (s *Store) Get(ctx context.Context, id string) (domain.Artifact, error) {
	if name, ok := LibraryName(id); ok {
		a, _, _, err := s.loadLibrary(name)
		return a, err
	}
	a, err := s.repo.GetArtifact(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Artifact{}, domain.Errorf(domain.KindArtifactNotFound, "artifact %s not found", id)
	}
	return a, err
}

// Load returns metadata and bytes for id.
func (s *Store) Load(ctx context.Context, id string) (domain.Artifact, []byte, error) {
	if name, ok := LibraryName(id); ok {
		a, content, _, err := s.loadLibrary(name)
		return a, content, err
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	content, err := afero.ReadFile(s.fs, a.StoragePath)
	if err != nil {
		s.logger.Error(ctx, "artifact file missing", slog.F("id", id), slog.Error(err))
		return domain.Artifact{}, nil, domain.Wrap(domain.KindArtifactNotFound, "artifact content unavailable", err)
	}
	return a, content, nil
}

// Variables lists the model variables declared by the artifact's
// modelDescription.xml.
func (s *Store) Variables(ctx context.Context, id string) ([]sandbox.Variable, error) {
	if name, ok := LibraryName(id); ok {
		_, _, m, err := s.loadLibrary(name)
		return m.Variables, err
	}
	_, content, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := s.validator.Validate(content)
	if err != nil {
		return nil, err
	}
	return m.Variables, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.Artifact, error) {
	return s.repo.ListArtifacts(ctx, limit)
}

// Validator exposes the limits uploads are checked against.
func (s *Store) Validator() *sandbox.Validator { return s.validator }
