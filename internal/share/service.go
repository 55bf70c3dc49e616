package share

import (
	"context"
	"errors"
	"strings"
	"time"

	"kadra.org/internal/audit"
	"kadra.org/internal/authz"
	"kadra.org/internal/directory"
	"kadra.org/internal/ids"
	"kadra.org/internal/notify"
	"kadra.org/internal/record"
)

// Service gates grant creation and revocation. Only holders of full access
// may share; revocation is restricted to the granter, the record owner, or a
// superadmin.
type Service struct {
	store   Store
	records record.Store
	dir     directory.Store
	eval    *authz.Evaluator
	broker  *notify.Broker
	now     func() time.Time
}

// NewService wires the shared-access service. broker may be nil.
func NewService(store Store, records record.Store, dir directory.Store, eval *authz.Evaluator, broker *notify.Broker) *Service {
	return &Service{store: store, records: records, dir: dir, eval: eval, broker: broker, now: time.Now}
}

// Grant writes a new shared-access row. Existing grants are never merged or
// deduplicated.
func (s *Service) Grant(ctx context.Context, granterID string, g Grant) (Grant, error) {
	if strings.TrimSpace(g.ResourceID) == "" || strings.TrimSpace(g.GrantedTo) == "" {
		return Grant{}, ErrInvalidInput
	}
	if g.Level != authz.LevelView && g.Level != authz.LevelEdit && g.Level != authz.LevelFull {
		return Grant{}, ErrInvalidInput
	}
	res, err := s.records.Get(ctx, g.ResourceID)
	if errors.Is(err, record.ErrNotFound) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, err
	}
	if g.ResourceType == "" {
		g.ResourceType = res.Kind
	} else if g.ResourceType != res.Kind {
		return Grant{}, ErrInvalidInput
	}

	ok, err := s.eval.CanAccess(ctx, granterID, res.AccessRef(), authz.LevelFull)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, ErrDenied
	}
	ok, err = s.eval.CanShareTo(ctx, granterID, g.GrantedTo, res.OrganizationID)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, ErrDenied
	}

	g.ID = ids.New()
	g.GrantedBy = granterID
	g.CreatedAt = s.now().UTC()
	if err := s.store.Create(ctx, &g); err != nil {
		return Grant{}, err
	}
	s.publish(res.OrganizationID, "share.granted", map[string]any{
		"grant_id":   g.ID,
		"record_id":  g.ResourceID,
		"granted_to": g.GrantedTo,
		"level":      g.Level.String(),
	})
	_ = audit.LogEvent(ctx, "share.granted", map[string]any{"grant_id": g.ID, "record_id": g.ResourceID})
	return g, nil
}

// Revoke deletes a grant. Lazy expiry notwithstanding, revocation works on
// expired grants too so stale rows can be cleaned up explicitly.
func (s *Service) Revoke(ctx context.Context, requesterID, grantID string) error {
	g, err := s.store.Get(ctx, grantID)
	if err != nil {
		return err
	}
	allowed, err := s.mayRevoke(ctx, requesterID, g)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrDenied
	}
	if err := s.store.Delete(ctx, grantID); err != nil {
		return err
	}
	if res, err := s.records.Get(ctx, g.ResourceID); err == nil {
		s.publish(res.OrganizationID, "share.revoked", map[string]any{
			"grant_id":  grantID,
			"record_id": g.ResourceID,
		})
	}
	_ = audit.LogEvent(ctx, "share.revoked", map[string]any{"grant_id": grantID})
	return nil
}

func (s *Service) mayRevoke(ctx context.Context, requesterID string, g Grant) (bool, error) {
	if requesterID == g.GrantedBy {
		return true, nil
	}
	actor, err := s.dir.Actor(ctx, requesterID)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if actor.Superadmin {
		return true, nil
	}
	res, err := s.records.Get(ctx, g.ResourceID)
	if errors.Is(err, record.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.CreatedBy != "" && res.CreatedBy == requesterID, nil
}

// ListForResource returns every grant over the record, expired ones included,
// for actors who may at least read it.
func (s *Service) ListForResource(ctx context.Context, actorID, resourceID string) ([]Grant, error) {
	res, err := s.records.Get(ctx, resourceID)
	if errors.Is(err, record.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.eval.CanAccess(ctx, actorID, res.AccessRef(), authz.LevelView)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.store.ListForResource(ctx, res.Kind, resourceID)
}

// ListForActor returns the grants held by the requesting actor.
func (s *Service) ListForActor(ctx context.Context, actorID string) ([]Grant, error) {
	return s.store.ListForActor(ctx, actorID)
}

func (s *Service) publish(orgID, eventType string, payload map[string]any) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(notify.Event{
		OrganizationID: orgID,
		Type:           eventType,
		Payload:        payload,
		At:             s.now().UTC(),
	})
}
