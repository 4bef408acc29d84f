package repo

import (
	"context"
	"database/sql"

	"simgate/internal/domain"
)

// RecordWebhookEvent journals a verified provider event. It reports false
// when the provider has already delivered the same event id.
func (r Repo) RecordWebhookEvent(ctx context.Context, tx *sql.Tx, ev domain.WebhookEvent) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO webhook_events(provider, event_id, event_type, provider_ref, outcome, received_at)
VALUES (?,?,?,?,?,?) ON CONFLICT(provider, event_id) DO NOTHING`,
		string(ev.Provider), ev.EventID, ev.Type, nullable(ev.ProviderRef), ev.Outcome, FormatTime(ev.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListWebhookEvents(ctx context.Context, provider domain.Provider, limit int) ([]domain.WebhookEvent, error) {
	query := `SELECT provider, event_id, event_type, COALESCE(provider_ref,''), outcome, received_at FROM webhook_events`
	var args []any
	if provider != "" {
		query += ` WHERE provider=?`
		args = append(args, string(provider))
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookEvent
	for rows.Next() {
		var (
			ev domain.WebhookEvent
			ts string
		)
		if err := rows.Scan(&ev.Provider, &ev.EventID, &ev.Type, &ev.ProviderRef, &ev.Outcome, &ts); err != nil {
			return nil, err
		}
		if ev.ReceivedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
