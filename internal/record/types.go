package record

import (
	"errors"
	"time"

	"kadra.org/internal/authz"
)

// Resource kinds understood by the core. A kind doubles as the resource_type
// of shared-access grants targeting the record.
const (
	KindCandidate = "candidate"
	KindContact   = "contact"
)

// Resource is a protected business record. Every successful mutation bumps
// Version by exactly one; a frozen copy never mutates again except for the
// deletion performed when a transfer is reverted.
type Resource struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	DepartmentID   string         `json:"department_id,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	Kind           string         `json:"kind"`
	Title          string         `json:"title"`
	Fields         map[string]any `json:"fields,omitempty"`
	Version        int64          `json:"version"`
	IsFrozenCopy   bool           `json:"is_frozen_copy"`
	TransferredTo  string         `json:"transferred_to_id,omitempty"`
	TransferredAt  *time.Time     `json:"transferred_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AccessRef projects the record down to the evaluator's view.
func (r Resource) AccessRef() authz.Resource {
	return authz.Resource{
		Type:           r.Kind,
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		DepartmentID:   r.DepartmentID,
		CreatedBy:      r.CreatedBy,
	}
}

// Conversation is a dependent row owned alongside its parent record. It is
// moved, never copied, when the record changes hands.
type Conversation struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Recording is a dependent row owned alongside its parent record.
type Recording struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Changes carries the mutable fields of a versioned update. Nil members are
// left untouched.
type Changes struct {
	Title  *string
	Fields map[string]any
}

var (
	ErrNotFound        = errors.New("record: not found")
	ErrDenied          = errors.New("record: access denied")
	ErrVersionConflict = errors.New("record: version conflict")
	ErrFrozen          = errors.New("record: frozen copy is immutable")
	ErrInvalidInput    = errors.New("record: invalid input")
)
