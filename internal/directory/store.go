package directory

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrConflict     = errors.New("directory: already exists")
	ErrInvalidInput = errors.New("directory: invalid input")
)

// Store describes persistence operations for actors, organizations and
// departments. Role lookups return the none value for missing memberships;
// absence is a valid answer, not an error.
type Store interface {
	CreateActor(ctx context.Context, a *Actor) error
	Actor(ctx context.Context, id string) (*Actor, error)

	CreateOrganization(ctx context.Context, org *Organization) error
	Organization(ctx context.Context, id string) (*Organization, error)

	CreateDepartment(ctx context.Context, d *Department) error
	Department(ctx context.Context, id string) (*Department, error)

	SetOrgRole(ctx context.Context, orgID, userID string, role OrgRole) error
	OrgRole(ctx context.Context, orgID, userID string) (OrgRole, error)

	SetDeptRole(ctx context.Context, deptID, userID string, role DeptRole) error
	DeptRole(ctx context.Context, deptID, userID string) (DeptRole, error)

	// DepartmentsOf lists every department membership the actor holds.
	DepartmentsOf(ctx context.Context, userID string) ([]DeptMembership, error)

	// ShareDepartment reports whether two actors hold membership in at least
	// one common department.
	ShareDepartment(ctx context.Context, aID, bID string) (bool, error)

	// AdminsDepartmentInOrg reports whether the actor is lead or sub_admin of
	// some department belonging to the organization.
	AdminsDepartmentInOrg(ctx context.Context, orgID, userID string) (bool, error)

	// RemoveActor detaches an actor from one organization. The per-table
	// policy is deliberate and uneven: the org and department memberships and
	// the actor's shared-access grants inside that org are hard-deleted,
	// record ownership is nulled instead, and the user row itself is deleted
	// only when no membership in any other organization remains.
	RemoveActor(ctx context.Context, orgID, userID string) error
}
