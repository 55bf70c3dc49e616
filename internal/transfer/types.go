package transfer

import (
	"context"
	"errors"
	"time"
)

// CancelWindow is the fixed period after a transfer during which it may be
// reversed. The deadline is stamped at creation and never extended.
const CancelWindow = time.Hour

// Transfer is the audit/workflow row describing one ownership change.
// Finality carries no stored flag; it is derived from the clock.
type Transfer struct {
	ID             string     `json:"id"`
	EntityID       string     `json:"entity_id"`
	CopyEntityID   string     `json:"copy_entity_id"`
	FromUser       string     `json:"from_user"`
	ToUser         string     `json:"to_user"`
	FromDepartment string     `json:"from_department,omitempty"`
	ToDepartment   string     `json:"to_department,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CancelDeadline time.Time  `json:"cancel_deadline"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// Status is the derived lifecycle state of a transfer.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusFinal     Status = "final"
)

// StatusAt derives the transfer's state at the given instant.
func (t Transfer) StatusAt(now time.Time) Status {
	if t.CancelledAt != nil {
		return StatusCancelled
	}
	if now.After(t.CancelDeadline) {
		return StatusFinal
	}
	return StatusActive
}

var (
	ErrNotFound        = errors.New("transfer: not found")
	ErrDenied          = errors.New("transfer: access denied")
	ErrInvalidState    = errors.New("transfer: invalid state")
	ErrInvalidInput    = errors.New("transfer: invalid input")
	ErrVersionConflict = errors.New("transfer: version conflict")
)

// ExecRequest carries the already-authorized parameters of the transfer
// protocol into the store. ExpectedVersion is the entity version the
// authorization decision was made against; the store aborts under the row
// lock when the entity has moved past it.
type ExecRequest struct {
	EntityID        string
	ExpectedVersion int64
	FromUser        string
	ToUser          string
	ToDepartment    string
	Comment         string
	Now             time.Time
}

// Store runs the two protocol legs, each as one atomic transaction holding
// exclusive locks on the entity and its dependent rows. Execute re-verifies
// under the lock that the entity is not a frozen copy and still carries the
// version the caller authorized against (a concurrent transfer invalidates
// both, surfacing as ErrVersionConflict), and records the pre-transfer owner
// and department from the locked row itself so Cancel can revert them; Cancel
// re-verifies the window and the cancelled_at stamp. Partial transfer state
// is never observable.
type Store interface {
	Get(ctx context.Context, id string) (Transfer, error)
	Execute(ctx context.Context, req ExecRequest) (Transfer, error)
	Cancel(ctx context.Context, id string, now time.Time) (Transfer, error)
	ListByActor(ctx context.Context, actorID string) ([]Transfer, error)
}
