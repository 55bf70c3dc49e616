package authz

import (
	"context"
	"errors"
	"time"

	"kadra.org/internal/directory"
	"kadra.org/internal/obs"
)

// Resource is the evaluator's view of a protected record. Callers that hold a
// richer record type project it down to this value.
type Resource struct {
	Type           string
	ID             string
	OrganizationID string
	DepartmentID   string // empty when the record is not scoped to a department
	CreatedBy      string // empty when ownership has been detached
}

// GrantSource exposes the highest active shared-access level an actor holds
// over a resource. Grants whose expiry has passed must not be reported.
type GrantSource interface {
	HighestLevel(ctx context.Context, resourceType, resourceID, actorID string, now time.Time) (Level, bool, error)
}

// Evaluator is the single decision point for record access. Decisions are
// booleans; a "no" is never an error.
type Evaluator struct {
	dir    directory.Store
	grants GrantSource
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the wall clock, used by tests to step across grant
// expiries.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator builds the evaluator over the directory and grant stores.
func NewEvaluator(dir directory.Store, grants GrantSource, opts ...Option) *Evaluator {
	e := &Evaluator{dir: dir, grants: grants, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// accessInput is the fully resolved context a decision is made over. Keeping
// it explicit (rather than ad hoc flag maps) lets the rule order live in one
// exhaustive function.
type accessInput struct {
	ActorSuperadmin   bool
	CreatorSuperadmin bool
	IsOwner           bool
	OrgRole           directory.OrgRole
	DeptRole          directory.DeptRole // actor's role in the record's department
	AdminOverCreator  bool               // actor is admin of a department the creator belongs to
	GrantLevel        Level
	HasGrant          bool
}

// decideAccess applies the rule ladder in strict priority order:
// superadmin, org owner (minus private superadmin content), record owner,
// department scope, shared access, deny.
func decideAccess(in accessInput, required Level) bool {
	if in.ActorSuperadmin {
		return true
	}
	if in.OrgRole == directory.OrgRoleOwner && !in.CreatorSuperadmin {
		return true
	}
	if in.IsOwner {
		return true
	}
	// Department scope: any member reads, admins write. Admins additionally
	// read everything created by their department's members regardless of the
	// record's own department field.
	if in.DeptRole != directory.DeptRoleNone {
		if in.DeptRole.IsAdmin() {
			return true
		}
		if LevelView.Satisfies(required) {
			return true
		}
	}
	if in.AdminOverCreator && LevelView.Satisfies(required) {
		return true
	}
	if in.HasGrant && in.GrantLevel.Satisfies(required) {
		return true
	}
	return false
}

// CanAccess reports whether the actor may perform an operation of the
// required level on the resource. Unknown actors and dangling creators fall
// through to deny.
func (e *Evaluator) CanAccess(ctx context.Context, actorID string, res Resource, required Level) (bool, error) {
	allowed, err := e.canAccess(ctx, actorID, res, required)
	if err == nil {
		obs.AuthzDecision(allowed)
	}
	return allowed, err
}

func (e *Evaluator) canAccess(ctx context.Context, actorID string, res Resource, required Level) (bool, error) {
	actor, err := e.dir.Actor(ctx, actorID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if actor.Superadmin {
		return true, nil
	}

	in := accessInput{
		IsOwner: res.CreatedBy != "" && res.CreatedBy == actorID,
	}
	in.OrgRole, err = e.dir.OrgRole(ctx, res.OrganizationID, actorID)
	if err != nil {
		return false, err
	}
	if res.CreatedBy != "" {
		creator, err := e.dir.Actor(ctx, res.CreatedBy)
		switch {
		case errors.Is(err, directory.ErrNotFound):
			// detached owner, treated as absent
		case err != nil:
			return false, err
		default:
			in.CreatorSuperadmin = creator.Superadmin
		}
	}
	if res.DepartmentID != "" {
		in.DeptRole, err = e.dir.DeptRole(ctx, res.DepartmentID, actorID)
		if err != nil {
			return false, err
		}
	}
	in.AdminOverCreator, err = e.adminOverCreator(ctx, actorID, res.CreatedBy)
	if err != nil {
		return false, err
	}
	if e.grants != nil {
		in.GrantLevel, in.HasGrant, err = e.grants.HighestLevel(ctx, res.Type, res.ID, actorID, e.now())
		if err != nil {
			return false, err
		}
	}
	return decideAccess(in, required), nil
}

// CanCreateIn reports whether the actor may create records inside the
// organization. Creation has no existing resource to evaluate, so the tenant
// boundary is enforced directly: superadmins anywhere, everyone else only
// where they hold an org role.
func (e *Evaluator) CanCreateIn(ctx context.Context, actorID, orgID string) (bool, error) {
	allowed, err := e.canCreateIn(ctx, actorID, orgID)
	if err == nil {
		obs.AuthzDecision(allowed)
	}
	return allowed, err
}

func (e *Evaluator) canCreateIn(ctx context.Context, actorID, orgID string) (bool, error) {
	actor, err := e.dir.Actor(ctx, actorID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if actor.Superadmin {
		return true, nil
	}
	role, err := e.dir.OrgRole(ctx, orgID, actorID)
	if err != nil {
		return false, err
	}
	return role != directory.OrgRoleNone, nil
}

// adminOverCreator reports whether the actor leads or sub-administers a
// department the record's creator is a member of.
func (e *Evaluator) adminOverCreator(ctx context.Context, actorID, creatorID string) (bool, error) {
	if creatorID == "" || creatorID == actorID {
		return false, nil
	}
	memberships, err := e.dir.DepartmentsOf(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if !m.Role.IsAdmin() {
			continue
		}
		role, err := e.dir.DeptRole(ctx, m.DepartmentID, creatorID)
		if err != nil {
			return false, err
		}
		if role != directory.DeptRoleNone {
			return true, nil
		}
	}
	return false, nil
}

// CanShareTo reports whether fromActor may name toActor as the target of a
// grant or a department-based transfer inside the organization. Targets
// outside the organization are invalid unless they are platform superadmins.
func (e *Evaluator) CanShareTo(ctx context.Context, fromID, toID, orgID string) (bool, error) {
	if fromID == toID {
		return false, nil
	}
	from, err := e.dir.Actor(ctx, fromID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	to, err := e.dir.Actor(ctx, toID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if from.Superadmin {
		return true, nil
	}

	toRole, err := e.dir.OrgRole(ctx, orgID, toID)
	if err != nil {
		return false, err
	}
	if toRole == directory.OrgRoleNone && !to.Superadmin {
		return false, nil
	}

	fromRole, err := e.dir.OrgRole(ctx, orgID, fromID)
	if err != nil {
		return false, err
	}
	if fromRole == directory.OrgRoleOwner {
		return true, nil
	}

	fromAdminsDept, err := e.dir.AdminsDepartmentInOrg(ctx, orgID, fromID)
	if err != nil {
		return false, err
	}
	if fromRole == directory.OrgRoleAdmin || fromAdminsDept {
		if to.Superadmin || toRole == directory.OrgRoleOwner {
			return true, nil
		}
		shared, err := e.dir.ShareDepartment(ctx, fromID, toID)
		if err != nil {
			return false, err
		}
		if shared {
			return true, nil
		}
		return e.dir.AdminsDepartmentInOrg(ctx, orgID, toID)
	}

	if fromRole == directory.OrgRoleMember {
		return e.dir.ShareDepartment(ctx, fromID, toID)
	}
	return false, nil
}
