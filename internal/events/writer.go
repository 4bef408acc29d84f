package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"simgate/internal/db"
	"simgate/internal/repo"
)

// Event types written to the audit log.
const (
	SessionCreated   = "session.created"
	SessionExpired   = "session.expired"
	SessionReady     = "session.ready"
	TokenIssued      = "token.issued"
	TokenConsumed    = "token.consumed"
	KeyCreated       = "key.created"
	KeyRevoked       = "key.revoked"
	ArtifactUploaded = "artifact.uploaded"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row. With a non-nil tx the row commits or rolls
// back together with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := repo.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`)
	args := []any{ts, evtType, entityKind, entityID, nullable(actorID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
