package repo

import (
	"context"
	"time"

	"simgate/internal/domain"
)

func (r Repo) InsertUsage(ctx context.Context, rec domain.UsageRecord) error {
	_, err := r.exec(ctx, nil, `INSERT INTO usage_records(caller_key, job_reference, ts, duration_ms, outcome) VALUES (?,?,?,?,?)`,
		rec.CallerKey, rec.JobReference, FormatTime(rec.Timestamp), rec.Duration.Milliseconds(), string(rec.Outcome))
	return err
}

type UsageFilters struct {
	CallerKey string
	AfterID   int64
	Limit     int
}

// ListUsage returns records in id order, starting after AfterID.
func (r Repo) ListUsage(ctx context.Context, f UsageFilters) ([]domain.UsageRecord, error) {
	query := `SELECT id, caller_key, job_reference, ts, duration_ms, outcome FROM usage_records WHERE id>?`
	args := []any{f.AfterID}
	if f.CallerKey != "" {
		query += ` AND caller_key=?`
		args = append(args, f.CallerKey)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageRecord
	for rows.Next() {
		var (
			rec domain.UsageRecord
			ts  string
		)
		if err := rows.Scan(&rec.ID, &rec.CallerKey, &rec.JobReference, &ts, &rec.DurationMS, &rec.Outcome); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(rec.DurationMS) * time.Millisecond
		res = append(res, rec)
	}
	return res, rows.Err()
}
