package record

import (
	"context"
	"strings"
	"time"

	"kadra.org/internal/audit"
	"kadra.org/internal/authz"
	"kadra.org/internal/cache"
	"kadra.org/internal/ids"
	"kadra.org/internal/notify"
	"kadra.org/internal/obs"
)

// Store persists resources and their dependent rows. Update must hold an
// exclusive lock on the row, compare the expected version under that lock and
// bump it by exactly one, all inside a single transaction. Frozen copies must
// reject every mutation with ErrFrozen.
type Store interface {
	Create(ctx context.Context, r *Resource) error
	Get(ctx context.Context, id string) (Resource, error)
	Update(ctx context.Context, id string, expectedVersion int64, ch Changes) (Resource, error)
	Delete(ctx context.Context, id string) error
	ListByOrg(ctx context.Context, orgID string) ([]Resource, error)

	AddConversation(ctx context.Context, c *Conversation) error
	Conversations(ctx context.Context, recordID string) ([]Conversation, error)
	AddRecording(ctx context.Context, rec *Recording) error
	Recordings(ctx context.Context, recordID string) ([]Recording, error)
}

// Service enforces access on top of the store and dispatches best-effort side
// calls after successful mutations.
type Service struct {
	store       Store
	eval        *authz.Evaluator
	broker      *notify.Broker
	invalidator cache.Invalidator
	now         func() time.Time
}

// NewService wires the record service. broker and invalidator may be nil;
// both are strictly post-commit and can never fail a mutation.
func NewService(store Store, eval *authz.Evaluator, broker *notify.Broker, inv cache.Invalidator) *Service {
	if inv == nil {
		inv = cache.Noop{}
	}
	return &Service{store: store, eval: eval, broker: broker, invalidator: inv, now: time.Now}
}

// Create inserts a new record owned by the creating actor. The actor must
// hold a role in the target organization or be a superadmin.
func (s *Service) Create(ctx context.Context, actorID string, r Resource) (Resource, error) {
	if strings.TrimSpace(r.OrganizationID) == "" || strings.TrimSpace(r.Kind) == "" {
		return Resource{}, ErrInvalidInput
	}
	ok, err := s.eval.CanCreateIn(ctx, actorID, r.OrganizationID)
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, ErrDenied
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	r.CreatedBy = actorID
	r.Version = 1
	r.IsFrozenCopy = false
	r.TransferredTo = ""
	r.TransferredAt = nil
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.Create(ctx, &r); err != nil {
		return Resource{}, err
	}
	s.publish(r.OrganizationID, "record.created", map[string]any{"record_id": r.ID, "actor_id": actorID})
	_ = audit.LogEvent(ctx, "record.created", map[string]any{"record_id": r.ID})
	return r, nil
}

// Get returns the record if the actor may see it. A miss and a deny are the
// same ErrNotFound so unauthorized actors cannot probe for existence.
func (s *Service) Get(ctx context.Context, actorID, id string) (Resource, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	ok, err := s.eval.CanAccess(ctx, actorID, r.AccessRef(), authz.LevelView)
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, ErrNotFound
	}
	return r, nil
}

// Update applies a versioned mutation. The expected version is the one the
// caller read earlier; a mismatch under the row lock aborts with
// ErrVersionConflict before any write.
func (s *Service) Update(ctx context.Context, actorID, id string, expectedVersion int64, ch Changes) (Resource, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	ok, err := s.eval.CanAccess(ctx, actorID, current.AccessRef(), authz.LevelEdit)
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, ErrNotFound
	}
	if current.IsFrozenCopy {
		return Resource{}, ErrFrozen
	}
	updated, err := s.store.Update(ctx, id, expectedVersion, ch)
	if err != nil {
		return Resource{}, err
	}
	s.publish(updated.OrganizationID, "record.updated", map[string]any{
		"record_id": updated.ID,
		"actor_id":  actorID,
		"version":   updated.Version,
	})
	s.invalidate(ctx, updated.ID)
	_ = audit.LogEvent(ctx, "record.updated", map[string]any{"record_id": id, "version": updated.Version})
	return updated, nil
}

// Delete removes a record. Full access is required; frozen copies are only
// deleted through transfer cancellation.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.eval.CanAccess(ctx, actorID, current.AccessRef(), authz.LevelFull)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if current.IsFrozenCopy {
		return ErrFrozen
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(current.OrganizationID, "record.deleted", map[string]any{"record_id": id, "actor_id": actorID})
	s.invalidate(ctx, id)
	_ = audit.LogEvent(ctx, "record.deleted", map[string]any{"record_id": id})
	return nil
}

// ListVisible returns the organization's records the actor may read.
func (s *Service) ListVisible(ctx context.Context, actorID, orgID string) ([]Resource, error) {
	all, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	visible := make([]Resource, 0, len(all))
	for _, r := range all {
		ok, err := s.eval.CanAccess(ctx, actorID, r.AccessRef(), authz.LevelView)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// AddConversation attaches a dependent conversation row to the record. The
// row is owned by the record's current owner and moves with it on transfer.
func (s *Service) AddConversation(ctx context.Context, actorID, recordID string) (Conversation, error) {
	parent, err := s.dependentParent(ctx, actorID, recordID)
	if err != nil {
		return Conversation{}, err
	}
	c := Conversation{
		ID:        ids.New(),
		RecordID:  recordID,
		OwnerID:   dependentOwner(parent, actorID),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddConversation(ctx, &c); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Conversations lists the record's dependent conversation rows.
func (s *Service) Conversations(ctx context.Context, actorID, recordID string) ([]Conversation, error) {
	if _, err := s.Get(ctx, actorID, recordID); err != nil {
		return nil, err
	}
	return s.store.Conversations(ctx, recordID)
}

// AddRecording attaches a dependent recording row to the record.
func (s *Service) AddRecording(ctx context.Context, actorID, recordID string) (Recording, error) {
	parent, err := s.dependentParent(ctx, actorID, recordID)
	if err != nil {
		return Recording{}, err
	}
	rec := Recording{
		ID:        ids.New(),
		RecordID:  recordID,
		OwnerID:   dependentOwner(parent, actorID),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddRecording(ctx, &rec); err != nil {
		return Recording{}, err
	}
	return rec, nil
}

// Recordings lists the record's dependent recording rows.
func (s *Service) Recordings(ctx context.Context, actorID, recordID string) ([]Recording, error) {
	if _, err := s.Get(ctx, actorID, recordID); err != nil {
		return nil, err
	}
	return s.store.Recordings(ctx, recordID)
}

func (s *Service) dependentParent(ctx context.Context, actorID, recordID string) (Resource, error) {
	parent, err := s.store.Get(ctx, recordID)
	if err != nil {
		return Resource{}, err
	}
	ok, err := s.eval.CanAccess(ctx, actorID, parent.AccessRef(), authz.LevelEdit)
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, ErrNotFound
	}
	if parent.IsFrozenCopy {
		return Resource{}, ErrFrozen
	}
	return parent, nil
}

func dependentOwner(parent Resource, actorID string) string {
	if parent.CreatedBy != "" {
		return parent.CreatedBy
	}
	return actorID
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

func (s *Service) invalidate(ctx context.Context, recordID string) {
	if err := s.invalidator.Invalidate(ctx, recordID); err != nil {
		obs.LogError("score cache invalidation failed", map[string]any{
			"record_id": recordID,
			"error":     err.Error(),
		})
	}
}
