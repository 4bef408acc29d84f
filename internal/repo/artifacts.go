package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"simgate/internal/domain"
)

const artifactColumns = `id, sha256, COALESCE(filename,''), size, platforms_json, has_sources, COALESCE(model_name,''), COALESCE(fmi_version,''), COALESCE(guid,''), storage_path, COALESCE(uploaded_by,''), created_at`

func scanArtifact(scan func(dest ...any) error) (domain.Artifact, error) {
	var (
		a          domain.Artifact
		platforms  string
		hasSources int64
		created    string
	)
	err := scan(&a.ID, &a.SHA256, &a.Filename, &a.Size, &platforms, &hasSources, &a.ModelName, &a.FMIVersion, &a.GUID, &a.StoragePath, &a.UploadedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(platforms), &a.Platforms); err != nil {
		return a, fmt.Errorf("decode platforms for %s: %w", a.ID, err)
	}
	a.HasSources = hasSources != 0
	a.CreatedAt, err = parseTime(created)
	return a, err
}

// InsertArtifact stores artifact metadata. Content addressing makes a
// repeated upload a no-op; created reports whether this call wrote the row.
func (r Repo) InsertArtifact(ctx context.Context, a domain.Artifact) (created bool, err error) {
	platforms := a.Platforms
	if platforms == nil {
		platforms = []string{}
	}
	data, err := json.Marshal(platforms)
	if err != nil {
		return false, err
	}
	hasSources := 0
	if a.HasSources {
		hasSources = 1
	}
	res, err := r.exec(ctx, nil, `INSERT INTO artifacts(id, sha256, filename, size, platforms_json, has_sources, model_name, fmi_version, guid, storage_path, uploaded_by, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.SHA256, nullable(a.Filename), a.Size, string(data), hasSources, nullable(a.ModelName), nullable(a.FMIVersion),
		nullable(a.GUID), a.StoragePath, nullable(a.UploadedBy), FormatTime(a.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return scanArtifact(r.queryRow(ctx, nil, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id).Scan)
}

func (r Repo) GetArtifactBySHA(ctx context.Context, sum string) (domain.Artifact, error) {
	return scanArtifact(r.queryRow(ctx, nil, `SELECT `+artifactColumns+` FROM artifacts WHERE sha256=?`, sum).Scan)
}

func (r Repo) ListArtifacts(ctx context.Context, limit int) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
