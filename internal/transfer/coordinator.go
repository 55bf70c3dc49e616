package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"kadra.org/internal/audit"
	"kadra.org/internal/authz"
	"kadra.org/internal/cache"
	"kadra.org/internal/directory"
	"kadra.org/internal/notify"
	"kadra.org/internal/obs"
	"kadra.org/internal/record"
)

// Request is the caller-facing shape of a transfer.
type Request struct {
	EntityID     string
	ToUser       string
	ToDepartment string
	Comment      string
}

// Coordinator orchestrates the ownership-transfer protocol: precondition
// checks, the atomic frozen-copy/reassignment transaction, and the time-boxed
// cancellation leg.
type Coordinator struct {
	store       Store
	records     record.Store
	dir         directory.Store
	eval        *authz.Evaluator
	broker      *notify.Broker
	invalidator cache.Invalidator
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator wires the coordinator. broker and invalidator may be nil.
func NewCoordinator(store Store, records record.Store, dir directory.Store, eval *authz.Evaluator, broker *notify.Broker, inv cache.Invalidator, opts ...Option) *Coordinator {
	if inv == nil {
		inv = cache.Noop{}
	}
	c := &Coordinator{
		store:       store,
		records:     records,
		dir:         dir,
		eval:        eval,
		broker:      broker,
		invalidator: inv,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transfer moves the entity to a new owner, leaving an immutable frozen copy
// with the sender and opening the one-hour cancellation window.
func (c *Coordinator) Transfer(ctx context.Context, fromActorID string, req Request) (Transfer, error) {
	if strings.TrimSpace(req.EntityID) == "" || strings.TrimSpace(req.ToUser) == "" {
		return Transfer{}, ErrInvalidInput
	}
	entity, err := c.records.Get(ctx, req.EntityID)
	if errors.Is(err, record.ErrNotFound) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	if entity.IsFrozenCopy {
		obs.TransferResult("transfer", "invalid_state")
		return Transfer{}, ErrInvalidState
	}

	ok, err := c.eval.CanAccess(ctx, fromActorID, entity.AccessRef(), authz.LevelFull)
	if err != nil {
		return Transfer{}, err
	}
	if !ok {
		obs.TransferResult("transfer", "denied")
		return Transfer{}, ErrDenied
	}
	ok, err = c.eligible(ctx, fromActorID, req.ToUser, entity)
	if err != nil {
		return Transfer{}, err
	}
	if !ok {
		obs.TransferResult("transfer", "denied")
		return Transfer{}, ErrDenied
	}
	if req.ToDepartment != "" {
		dept, err := c.dir.Department(ctx, req.ToDepartment)
		if errors.Is(err, directory.ErrNotFound) {
			return Transfer{}, ErrInvalidInput
		}
		if err != nil {
			return Transfer{}, err
		}
		if dept.OrganizationID != entity.OrganizationID {
			return Transfer{}, ErrInvalidInput
		}
	}

	// The access checks above ran unlocked; passing the version they were
	// made against lets the store reject the transfer if the entity changed
	// hands in between.
	t, err := c.store.Execute(ctx, ExecRequest{
		EntityID:        req.EntityID,
		ExpectedVersion: entity.Version,
		FromUser:        fromActorID,
		ToUser:          req.ToUser,
		ToDepartment:    req.ToDepartment,
		Comment:         req.Comment,
		Now:             c.now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict):
			obs.TransferResult("transfer", "conflict")
		case errors.Is(err, ErrInvalidState):
			obs.TransferResult("transfer", "invalid_state")
		default:
			obs.TransferResult("transfer", "error")
		}
		return Transfer{}, err
	}

	obs.TransferResult("transfer", "ok")
	c.publish(entity.OrganizationID, "transfer.created", map[string]any{
		"transfer_id": t.ID,
		"entity_id":   t.EntityID,
		"from_user":   t.FromUser,
		"to_user":     t.ToUser,
	})
	c.invalidate(ctx, t.EntityID)
	_ = audit.LogEvent(ctx, "transfer.created", map[string]any{"transfer_id": t.ID, "entity_id": t.EntityID})
	return t, nil
}

// Cancel reverses a transfer while its window is open. Double cancellation
// and an expired window surface as ErrInvalidState and change nothing.
func (c *Coordinator) Cancel(ctx context.Context, requesterID, transferID string) (Transfer, error) {
	t, err := c.store.Get(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}
	allowed, err := c.mayCancel(ctx, requesterID, t)
	if err != nil {
		return Transfer{}, err
	}
	if !allowed {
		obs.TransferResult("cancel", "denied")
		return Transfer{}, ErrDenied
	}

	cancelled, err := c.store.Cancel(ctx, transferID, c.now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			obs.TransferResult("cancel", "invalid_state")
		} else {
			obs.TransferResult("cancel", "error")
		}
		return Transfer{}, err
	}

	obs.TransferResult("cancel", "ok")
	if entity, err := c.records.Get(ctx, cancelled.EntityID); err == nil {
		c.publish(entity.OrganizationID, "transfer.cancelled", map[string]any{
			"transfer_id": cancelled.ID,
			"entity_id":   cancelled.EntityID,
		})
	}
	c.invalidate(ctx, cancelled.EntityID)
	_ = audit.LogEvent(ctx, "transfer.cancelled", map[string]any{"transfer_id": transferID})
	return cancelled, nil
}

// Get returns a transfer visible to the requester (sender, recipient, or
// superadmin).
func (c *Coordinator) Get(ctx context.Context, requesterID, transferID string) (Transfer, error) {
	t, err := c.store.Get(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}
	allowed, err := c.mayCancel(ctx, requesterID, t)
	if err != nil {
		return Transfer{}, err
	}
	if !allowed {
		return Transfer{}, ErrNotFound
	}
	return t, nil
}

// ListByActor returns transfers the actor sent or received.
func (c *Coordinator) ListByActor(ctx context.Context, actorID string) ([]Transfer, error) {
	return c.store.ListByActor(ctx, actorID)
}

// eligible applies the role-based transfer matrix, independent of
// per-resource grants: superadmin and org owner may transfer to anyone in the
// organization; a department admin within their own department or to another
// department's admin; a plain member only inside a shared department.
func (c *Coordinator) eligible(ctx context.Context, fromID, toID string, entity record.Resource) (bool, error) {
	if fromID == toID {
		return false, nil
	}
	from, err := c.dir.Actor(ctx, fromID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	to, err := c.dir.Actor(ctx, toID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	orgID := entity.OrganizationID
	toRole, err := c.dir.OrgRole(ctx, orgID, toID)
	if err != nil {
		return false, err
	}
	inOrg := toRole != directory.OrgRoleNone || to.Superadmin

	if from.Superadmin {
		return inOrg, nil
	}
	fromRole, err := c.dir.OrgRole(ctx, orgID, fromID)
	if err != nil {
		return false, err
	}
	if fromRole == directory.OrgRoleOwner {
		return inOrg, nil
	}
	if !inOrg {
		return false, nil
	}

	fromAdminsDept, err := c.dir.AdminsDepartmentInOrg(ctx, orgID, fromID)
	if err != nil {
		return false, err
	}
	if fromAdminsDept {
		shared, err := c.adminSharesDepartment(ctx, fromID, toID)
		if err != nil {
			return false, err
		}
		if shared {
			return true, nil
		}
		return c.dir.AdminsDepartmentInOrg(ctx, orgID, toID)
	}
	return c.dir.ShareDepartment(ctx, fromID, toID)
}

// adminSharesDepartment reports whether the recipient belongs to a
// department the sender administers.
func (c *Coordinator) adminSharesDepartment(ctx context.Context, fromID, toID string) (bool, error) {
	memberships, err := c.dir.DepartmentsOf(ctx, fromID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if !m.Role.IsAdmin() {
			continue
		}
		role, err := c.dir.DeptRole(ctx, m.DepartmentID, toID)
		if err != nil {
			return false, err
		}
		if role != directory.DeptRoleNone {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) mayCancel(ctx context.Context, requesterID string, t Transfer) (bool, error) {
	if requesterID == t.FromUser || requesterID == t.ToUser {
		return true, nil
	}
	actor, err := c.dir.Actor(ctx, requesterID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return actor.Superadmin, nil
}

func (c *Coordinator) publish(orgID, eventType string, payload map[string]any) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(notify.Event{
		OrganizationID: orgID,
		Type:           eventType,
		Payload:        payload,
		At:             c.now().UTC(),
	})
}

func (c *Coordinator) invalidate(ctx context.Context, recordID string) {
	if err := c.invalidator.Invalidate(ctx, recordID); err != nil {
		obs.LogError("score cache invalidation failed", map[string]any{
			"record_id": recordID,
			"error":     err.Error(),
		})
	}
}
