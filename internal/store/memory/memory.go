// Package memory holds a single mutex-guarded store backing every domain
// interface at once. The transfer protocol needs records, dependents and
// transfer rows to change under one lock, so splitting the state per package
// would only fake the atomicity the tests are there to check.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"kadra.org/internal/authz"
	"kadra.org/internal/directory"
	"kadra.org/internal/ids"
	"kadra.org/internal/record"
	"kadra.org/internal/share"
	"kadra.org/internal/transfer"
)

// Store keeps all domain state behind one mutex. It implements
// directory.Store itself; the Records, Shares and Transfers views expose the
// remaining interfaces over the same state.
type Store struct {
	mu sync.RWMutex

	actors    map[string]directory.Actor
	orgs      map[string]directory.Organization
	depts     map[string]directory.Department
	orgRoles  map[string]map[string]directory.OrgRole  // orgID -> userID
	deptRoles map[string]map[string]directory.DeptRole // deptID -> userID

	records       map[string]record.Resource
	conversations map[string][]record.Conversation // recordID -> rows
	recordings    map[string][]record.Recording

	grants    map[string]share.Grant
	transfers map[string]transfer.Transfer

	// ExecuteHook, when set, runs after the transfer protocol has staged its
	// writes and before they are committed. A non-nil error aborts the
	// transaction with nothing applied.
	ExecuteHook func() error
}

var _ directory.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		actors:        make(map[string]directory.Actor),
		orgs:          make(map[string]directory.Organization),
		depts:         make(map[string]directory.Department),
		orgRoles:      make(map[string]map[string]directory.OrgRole),
		deptRoles:     make(map[string]map[string]directory.DeptRole),
		records:       make(map[string]record.Resource),
		conversations: make(map[string][]record.Conversation),
		recordings:    make(map[string][]record.Recording),
		grants:        make(map[string]share.Grant),
		transfers:     make(map[string]transfer.Transfer),
	}
}

func (s *Store) CreateActor(ctx context.Context, a *directory.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		return directory.ErrInvalidInput
	}
	if _, ok := s.actors[a.ID]; ok {
		return directory.ErrConflict
	}
	s.actors[a.ID] = *a
	return nil
}

func (s *Store) Actor(ctx context.Context, id string) (*directory.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *Store) CreateOrganization(ctx context.Context, org *directory.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		return directory.ErrInvalidInput
	}
	if _, ok := s.orgs[org.ID]; ok {
		return directory.ErrConflict
	}
	s.orgs[org.ID] = *org
	return nil
}

func (s *Store) Organization(ctx context.Context, id string) (*directory.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	out := org
	return &out, nil
}

func (s *Store) CreateDepartment(ctx context.Context, d *directory.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" || d.OrganizationID == "" {
		return directory.ErrInvalidInput
	}
	if _, ok := s.orgs[d.OrganizationID]; !ok {
		return directory.ErrNotFound
	}
	if _, ok := s.depts[d.ID]; ok {
		return directory.ErrConflict
	}
	s.depts[d.ID] = *d
	return nil
}

func (s *Store) Department(ctx context.Context, id string) (*directory.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depts[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	out := d
	return &out, nil
}

func (s *Store) SetOrgRole(ctx context.Context, orgID, userID string, role directory.OrgRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[orgID]; !ok {
		return directory.ErrNotFound
	}
	if _, ok := s.actors[userID]; !ok {
		return directory.ErrNotFound
	}
	if role == directory.OrgRoleNone {
		delete(s.orgRoles[orgID], userID)
		return nil
	}
	if s.orgRoles[orgID] == nil {
		s.orgRoles[orgID] = make(map[string]directory.OrgRole)
	}
	s.orgRoles[orgID][userID] = role
	return nil
}

func (s *Store) OrgRole(ctx context.Context, orgID, userID string) (directory.OrgRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgRoles[orgID][userID], nil
}

func (s *Store) SetDeptRole(ctx context.Context, deptID, userID string, role directory.DeptRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.depts[deptID]; !ok {
		return directory.ErrNotFound
	}
	if _, ok := s.actors[userID]; !ok {
		return directory.ErrNotFound
	}
	if role == directory.DeptRoleNone {
		delete(s.deptRoles[deptID], userID)
		return nil
	}
	if s.deptRoles[deptID] == nil {
		s.deptRoles[deptID] = make(map[string]directory.DeptRole)
	}
	s.deptRoles[deptID][userID] = role
	return nil
}

func (s *Store) DeptRole(ctx context.Context, deptID, userID string) (directory.DeptRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deptRoles[deptID][userID], nil
}

func (s *Store) DepartmentsOf(ctx context.Context, userID string) ([]directory.DeptMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []directory.DeptMembership
	for deptID, members := range s.deptRoles {
		if role, ok := members[userID]; ok {
			out = append(out, directory.DeptMembership{DepartmentID: deptID, UserID: userID, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartmentID < out[j].DepartmentID })
	return out, nil
}

func (s *Store) ShareDepartment(ctx context.Context, aID, bID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, members := range s.deptRoles {
		if _, okA := members[aID]; !okA {
			continue
		}
		if _, okB := members[bID]; okB {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AdminsDepartmentInOrg(ctx context.Context, orgID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for deptID, members := range s.deptRoles {
		if s.depts[deptID].OrganizationID != orgID {
			continue
		}
		if members[userID].IsAdmin() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) RemoveActor(ctx context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgRoles[orgID][userID]; !ok {
		return directory.ErrNotFound
	}
	delete(s.orgRoles[orgID], userID)
	for deptID, members := range s.deptRoles {
		if s.depts[deptID].OrganizationID == orgID {
			delete(members, userID)
		}
	}
	for id, g := range s.grants {
		if g.GrantedTo != userID {
			continue
		}
		if r, ok := s.records[g.ResourceID]; ok && r.OrganizationID == orgID {
			delete(s.grants, id)
		}
	}
	for id, r := range s.records {
		if r.OrganizationID == orgID && r.CreatedBy == userID {
			r.CreatedBy = ""
			s.records[id] = r
		}
	}
	for _, members := range s.orgRoles {
		if _, ok := members[userID]; ok {
			return nil // still a member elsewhere, keep the user row
		}
	}
	delete(s.actors, userID)
	return nil
}

// Records is the record.Store view of the shared state.
type Records struct{ s *Store }

// Records returns the record.Store view.
func (s *Store) Records() Records { return Records{s: s} }

var _ record.Store = Records{}

func (v Records) Create(ctx context.Context, r *record.Resource) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if r.ID == "" {
		return record.ErrInvalidInput
	}
	if _, ok := v.s.records[r.ID]; ok {
		return record.ErrInvalidInput
	}
	v.s.records[r.ID] = cloneResource(*r)
	return nil
}

func (v Records) Get(ctx context.Context, id string) (record.Resource, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	r, ok := v.s.records[id]
	if !ok {
		return record.Resource{}, record.ErrNotFound
	}
	return cloneResource(r), nil
}

func (v Records) Update(ctx context.Context, id string, expectedVersion int64, ch record.Changes) (record.Resource, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.records[id]
	if !ok {
		return record.Resource{}, record.ErrNotFound
	}
	if r.IsFrozenCopy {
		return record.Resource{}, record.ErrFrozen
	}
	if r.Version != expectedVersion {
		return record.Resource{}, record.ErrVersionConflict
	}
	if ch.Title != nil {
		r.Title = *ch.Title
	}
	if ch.Fields != nil {
		r.Fields = ch.Fields
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	v.s.records[id] = cloneResource(r)
	return cloneResource(r), nil
}

func (v Records) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.records[id]; !ok {
		return record.ErrNotFound
	}
	delete(v.s.records, id)
	delete(v.s.conversations, id)
	delete(v.s.recordings, id)
	return nil
}

func (v Records) ListByOrg(ctx context.Context, orgID string) ([]record.Resource, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []record.Resource
	for _, r := range v.s.records {
		if r.OrganizationID == orgID {
			out = append(out, cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v Records) AddConversation(ctx context.Context, c *record.Conversation) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.records[c.RecordID]; !ok {
		return record.ErrNotFound
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	v.s.conversations[c.RecordID] = append(v.s.conversations[c.RecordID], *c)
	return nil
}

func (v Records) Conversations(ctx context.Context, recordID string) ([]record.Conversation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]record.Conversation, len(v.s.conversations[recordID]))
	copy(out, v.s.conversations[recordID])
	return out, nil
}

func (v Records) AddRecording(ctx context.Context, rec *record.Recording) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.records[rec.RecordID]; !ok {
		return record.ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	v.s.recordings[rec.RecordID] = append(v.s.recordings[rec.RecordID], *rec)
	return nil
}

func (v Records) Recordings(ctx context.Context, recordID string) ([]record.Recording, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]record.Recording, len(v.s.recordings[recordID]))
	copy(out, v.s.recordings[recordID])
	return out, nil
}

// Shares is the share.Store view of the shared state.
type Shares struct{ s *Store }

// Shares returns the share.Store view.
func (s *Store) Shares() Shares { return Shares{s: s} }

var _ share.Store = Shares{}

func (v Shares) Create(ctx context.Context, g *share.Grant) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if g.ID == "" {
		return share.ErrInvalidInput
	}
	v.s.grants[g.ID] = *g
	return nil
}

func (v Shares) Get(ctx context.Context, id string) (share.Grant, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	g, ok := v.s.grants[id]
	if !ok {
		return share.Grant{}, share.ErrNotFound
	}
	return g, nil
}

func (v Shares) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.grants[id]; !ok {
		return share.ErrNotFound
	}
	delete(v.s.grants, id)
	return nil
}

func (v Shares) ListForResource(ctx context.Context, resourceType, resourceID string) ([]share.Grant, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []share.Grant
	for _, g := range v.s.grants {
		if g.ResourceType == resourceType && g.ResourceID == resourceID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v Shares) ListForActor(ctx context.Context, actorID string) ([]share.Grant, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []share.Grant
	for _, g := range v.s.grants {
		if g.GrantedTo == actorID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v Shares) HighestLevel(ctx context.Context, resourceType, resourceID, actorID string, now time.Time) (authz.Level, bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var (
		best  authz.Level
		found bool
	)
	for _, g := range v.s.grants {
		if g.ResourceType != resourceType || g.ResourceID != resourceID || g.GrantedTo != actorID {
			continue
		}
		if !g.Active(now) {
			continue
		}
		if !found || g.Level > best {
			best = g.Level
			found = true
		}
	}
	return best, found, nil
}

// Transfers is the transfer.Store view of the shared state.
type Transfers struct{ s *Store }

// Transfers returns the transfer.Store view.
func (s *Store) Transfers() Transfers { return Transfers{s: s} }

var _ transfer.Store = Transfers{}

func (v Transfers) Get(ctx context.Context, id string) (transfer.Transfer, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	t, ok := v.s.transfers[id]
	if !ok {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	return t, nil
}

// Execute stages every write of the protocol, runs the hook, then commits in
// one critical section. A hook error leaves the state untouched.
func (v Transfers) Execute(ctx context.Context, req transfer.ExecRequest) (transfer.Transfer, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.records[req.EntityID]
	if !ok {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	if entity.IsFrozenCopy {
		return transfer.Transfer{}, transfer.ErrInvalidState
	}
	if entity.Version != req.ExpectedVersion {
		return transfer.Transfer{}, transfer.ErrVersionConflict
	}

	now := req.Now
	fromUser := entity.CreatedBy
	if fromUser == "" {
		fromUser = req.FromUser
	}
	fromDept := entity.DepartmentID

	frozen := cloneResource(entity)
	frozen.ID = ids.New()
	frozen.IsFrozenCopy = true
	frozen.TransferredTo = req.ToUser
	at := now
	frozen.TransferredAt = &at
	frozen.UpdatedAt = now

	reassigned := cloneResource(entity)
	reassigned.CreatedBy = req.ToUser
	if req.ToDepartment != "" {
		reassigned.DepartmentID = req.ToDepartment
	}
	reassigned.Version++
	reassigned.UpdatedAt = now

	t := transfer.Transfer{
		ID:             ids.New(),
		EntityID:       req.EntityID,
		CopyEntityID:   frozen.ID,
		FromUser:       fromUser,
		ToUser:         req.ToUser,
		FromDepartment: fromDept,
		ToDepartment:   req.ToDepartment,
		Comment:        req.Comment,
		CreatedAt:      now,
		CancelDeadline: now.Add(transfer.CancelWindow),
	}

	if s.ExecuteHook != nil {
		if err := s.ExecuteHook(); err != nil {
			return transfer.Transfer{}, err
		}
	}

	s.records[frozen.ID] = frozen
	s.records[req.EntityID] = reassigned
	for i := range s.conversations[req.EntityID] {
		s.conversations[req.EntityID][i].OwnerID = req.ToUser
	}
	for i := range s.recordings[req.EntityID] {
		s.recordings[req.EntityID][i].OwnerID = req.ToUser
	}
	s.transfers[t.ID] = t
	return t, nil
}

func (v Transfers) Cancel(ctx context.Context, id string, now time.Time) (transfer.Transfer, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	if t.CancelledAt != nil || now.After(t.CancelDeadline) {
		return transfer.Transfer{}, transfer.ErrInvalidState
	}

	entity, ok := s.records[t.EntityID]
	if !ok {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	entity.CreatedBy = t.FromUser
	entity.DepartmentID = t.FromDepartment
	entity.Version++
	entity.UpdatedAt = now
	s.records[t.EntityID] = entity

	// Dependents keep the recipient as owner when the sender is detached.
	if t.FromUser != "" {
		for i := range s.conversations[t.EntityID] {
			s.conversations[t.EntityID][i].OwnerID = t.FromUser
		}
		for i := range s.recordings[t.EntityID] {
			s.recordings[t.EntityID][i].OwnerID = t.FromUser
		}
	}
	delete(s.records, t.CopyEntityID)

	at := now
	t.CancelledAt = &at
	s.transfers[id] = t
	return t, nil
}

func (v Transfers) ListByActor(ctx context.Context, actorID string) ([]transfer.Transfer, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []transfer.Transfer
	for _, t := range v.s.transfers {
		if t.FromUser == actorID || t.ToUser == actorID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneResource(r record.Resource) record.Resource {
	if r.Fields != nil {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
	}
	if r.TransferredAt != nil {
		at := *r.TransferredAt
		r.TransferredAt = &at
	}
	return r
}
