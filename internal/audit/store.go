package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"kadra.org/internal/ids"
)

// Entry is one durable audit row. Unlike notifications, audit rows commit or
// roll back together with the mutation they describe.
type Entry struct {
	ID             string
	OccurredAt     time.Time
	ActorUserID    string
	OrganizationID string
	Action         string
	ResourceType   string
	ResourceID     string
	Metadata       map[string]any
	RequestID      string
}

// Execer is the slice of database/sql needed to append a row; both *sql.DB
// and *sql.Tx satisfy it, so callers append on whatever transaction they hold.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append inserts the entry using the caller's transaction.
func Append(ctx context.Context, q Execer, e Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = b
		}
	}
	_, err := q.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, actor_user_id, organization_id, action, resource_type, resource_id, metadata, request_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.OccurredAt, e.ActorUserID, e.OrganizationID, e.Action, e.ResourceType, e.ResourceID, meta, e.RequestID)
	return err
}
