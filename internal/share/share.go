package share

import (
	"context"
	"errors"
	"time"

	"kadra.org/internal/authz"
)

// Grant is an explicit access override between two actors over one resource.
// Multiple grants for the same (resource, grantee) may coexist; evaluation
// takes the most permissive non-expired one. Expiry is lazy: an expired grant
// simply stops matching, it is never swept.
type Grant struct {
	ID           string      `json:"id"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	GrantedBy    string      `json:"granted_by"`
	GrantedTo    string      `json:"granted_to"`
	Level        authz.Level `json:"access_level"`
	Note         string      `json:"note,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Active reports whether the grant still matches at the given instant.
func (g Grant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

var (
	ErrNotFound     = errors.New("share: not found")
	ErrDenied       = errors.New("share: access denied")
	ErrInvalidInput = errors.New("share: invalid input")
)

// Store persists grants. Revocation is the only deletion path. The store also
// satisfies authz.GrantSource so the evaluator sees fresh grants with no
// extra layer in between.
type Store interface {
	Create(ctx context.Context, g *Grant) error
	Get(ctx context.Context, id string) (Grant, error)
	Delete(ctx context.Context, id string) error
	ListForResource(ctx context.Context, resourceType, resourceID string) ([]Grant, error)
	ListForActor(ctx context.Context, actorID string) ([]Grant, error)
	HighestLevel(ctx context.Context, resourceType, resourceID, actorID string, now time.Time) (authz.Level, bool, error)
}
