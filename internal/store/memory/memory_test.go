package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"kadra.org/internal/authz"
	"kadra.org/internal/directory"
	"kadra.org/internal/record"
	"kadra.org/internal/share"
	"kadra.org/internal/transfer"
)

func seed(t *testing.T) *Store {
	t.Helper()
	st := New()
	ctx := context.Background()
	for _, a := range []directory.Actor{{ID: "u1"}, {ID: "u2"}} {
		a := a
		if err := st.CreateActor(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
	for _, org := range []directory.Organization{{ID: "org1"}, {ID: "org2"}} {
		org := org
		if err := st.CreateOrganization(ctx, &org); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateDepartment(ctx, &directory.Department{ID: "d1", OrganizationID: "org1"}); err != nil {
		t.Fatal(err)
	}
	st.SetOrgRole(ctx, "org1", "u1", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "u2", directory.OrgRoleMember)
	st.SetDeptRole(ctx, "d1", "u1", directory.DeptRoleMember)
	return st
}

func TestRemoveActorPolicy(t *testing.T) {
	st := seed(t)
	ctx := context.Background()

	// u1 also belongs to a second org, so the user row must survive
	st.SetOrgRole(ctx, "org2", "u1", directory.OrgRoleMember)

	r := record.Resource{ID: "r1", OrganizationID: "org1", DepartmentID: "d1", CreatedBy: "u1", Kind: record.KindCandidate, Version: 1}
	if err := st.Records().Create(ctx, &r); err != nil {
		t.Fatal(err)
	}
	g := share.Grant{ID: "g1", ResourceType: record.KindCandidate, ResourceID: "r1", GrantedBy: "u2", GrantedTo: "u1", Level: authz.LevelView}
	if err := st.Shares().Create(ctx, &g); err != nil {
		t.Fatal(err)
	}

	if err := st.RemoveActor(ctx, "org1", "u1"); err != nil {
		t.Fatal(err)
	}

	if role, _ := st.OrgRole(ctx, "org1", "u1"); role != directory.OrgRoleNone {
		t.Fatal("org membership must be hard-deleted")
	}
	if role, _ := st.DeptRole(ctx, "d1", "u1"); role != directory.DeptRoleNone {
		t.Fatal("department membership must be hard-deleted")
	}
	if _, err := st.Shares().Get(ctx, "g1"); !errors.Is(err, share.ErrNotFound) {
		t.Fatal("in-org grants must be hard-deleted")
	}
	got, err := st.Records().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy != "" {
		t.Fatal("record ownership must be nulled, not deleted")
	}
	if _, err := st.Actor(ctx, "u1"); err != nil {
		t.Fatal("user row must survive while another org membership remains")
	}

	if err := st.RemoveActor(ctx, "org2", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Actor(ctx, "u1"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatal("user row must be deleted with the last membership")
	}
}

func TestRemoveActorWithoutMembership(t *testing.T) {
	st := seed(t)
	if err := st.RemoveActor(context.Background(), "org2", "u2"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransferStaleVersionAborts(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r := record.Resource{ID: "r1", OrganizationID: "org1", CreatedBy: "u1", Kind: record.KindCandidate, Version: 2}
	if err := st.Records().Create(ctx, &r); err != nil {
		t.Fatal(err)
	}

	// a caller whose authorization was made against an older version must be
	// rejected under the lock, nothing written
	_, err := st.Transfers().Execute(ctx, transfer.ExecRequest{
		EntityID: "r1", ExpectedVersion: 1, FromUser: "u1", ToUser: "u2", Now: now,
	})
	if !errors.Is(err, transfer.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, err := st.Records().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy != "u1" || got.Version != 2 {
		t.Fatalf("rejected transfer leaked a write: %+v", got)
	}

	tr, err := st.Transfers().Execute(ctx, transfer.ExecRequest{
		EntityID: "r1", ExpectedVersion: 2, FromUser: "u1", ToUser: "u2", Now: now,
	})
	if err != nil {
		t.Fatalf("matching version must proceed: %v", err)
	}
	got, err = st.Records().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy != "u2" || got.Version != 3 {
		t.Fatalf("unexpected reassigned record: %+v", got)
	}
	if tr.FromUser != "u1" {
		t.Fatalf("unexpected transfer row: %+v", tr)
	}
}

func TestCancelWithDetachedSenderKeepsDependentOwners(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// ownership already detached before the transfer
	r := record.Resource{ID: "r1", OrganizationID: "org1", Kind: record.KindCandidate, Version: 1}
	if err := st.Records().Create(ctx, &r); err != nil {
		t.Fatal(err)
	}
	c := record.Conversation{ID: "c1", RecordID: "r1", OwnerID: "u1", CreatedAt: now}
	if err := st.Records().AddConversation(ctx, &c); err != nil {
		t.Fatal(err)
	}

	tr, err := st.Transfers().Execute(ctx, transfer.ExecRequest{
		EntityID: "r1", ExpectedVersion: 1, ToUser: "u2", Now: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tr.FromUser != "" {
		t.Fatalf("expected detached sender, got %q", tr.FromUser)
	}

	cancelled, err := st.Transfers().Cancel(ctx, tr.ID, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("cancel with detached sender must succeed: %v", err)
	}
	if cancelled.CancelledAt == nil {
		t.Fatal("cancellation must be stamped")
	}
	got, err := st.Records().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy != "" {
		t.Fatalf("ownership must stay detached after revert, got %q", got.CreatedBy)
	}
	convs, err := st.Records().Conversations(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].OwnerID != "u2" {
		t.Fatalf("dependent ownership must remain with the recipient: %+v", convs)
	}
}

func TestHighestLevelPicksMostPermissiveActive(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	grants := []share.Grant{
		{ID: "a", ResourceType: "candidate", ResourceID: "r1", GrantedTo: "u1", Level: authz.LevelView},
		{ID: "b", ResourceType: "candidate", ResourceID: "r1", GrantedTo: "u1", Level: authz.LevelEdit},
		{ID: "c", ResourceType: "candidate", ResourceID: "r1", GrantedTo: "u1", Level: authz.LevelFull, ExpiresAt: &past},
		{ID: "d", ResourceType: "contact", ResourceID: "r1", GrantedTo: "u1", Level: authz.LevelFull},
	}
	for i := range grants {
		if err := st.Shares().Create(ctx, &grants[i]); err != nil {
			t.Fatal(err)
		}
	}

	level, ok, err := st.Shares().HighestLevel(ctx, "candidate", "r1", "u1", now)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || level != authz.LevelEdit {
		t.Fatalf("expected edit, got %s ok=%v", level, ok)
	}

	_, ok, err = st.Shares().HighestLevel(ctx, "candidate", "r1", "u2", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("no grant must be reported for a stranger")
	}
}
