package transfer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"kadra.org/internal/authz"
	"kadra.org/internal/directory"
	"kadra.org/internal/record"
	"kadra.org/internal/store/memory"
	"kadra.org/internal/transfer"
)

type fixture struct {
	st    *memory.Store
	coord *transfer.Coordinator
	cur   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()

	for _, a := range []directory.Actor{
		{ID: "root", Superadmin: true},
		{ID: "owner"},
		{ID: "lead"},
		{ID: "mem1"},
		{ID: "mem2"},
		{ID: "memB"},
		{ID: "outsider"},
	} {
		a := a
		if err := st.CreateActor(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateOrganization(ctx, &directory.Organization{ID: "org1"}); err != nil {
		t.Fatal(err)
	}
	for _, d := range []directory.Department{
		{ID: "sales", OrganizationID: "org1"},
		{ID: "support", OrganizationID: "org1"},
	} {
		d := d
		if err := st.CreateDepartment(ctx, &d); err != nil {
			t.Fatal(err)
		}
	}
	st.SetOrgRole(ctx, "org1", "owner", directory.OrgRoleOwner)
	st.SetOrgRole(ctx, "org1", "lead", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "mem1", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "mem2", directory.OrgRoleMember)
	st.SetOrgRole(ctx, "org1", "memB", directory.OrgRoleMember)
	st.SetDeptRole(ctx, "sales", "lead", directory.DeptRoleLead)
	st.SetDeptRole(ctx, "sales", "mem1", directory.DeptRoleMember)
	st.SetDeptRole(ctx, "sales", "mem2", directory.DeptRoleMember)
	st.SetDeptRole(ctx, "support", "memB", directory.DeptRoleMember)

	f := &fixture{st: st, cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eval := authz.NewEvaluator(st, st.Shares(), authz.WithClock(func() time.Time { return f.cur }))
	f.coord = transfer.NewCoordinator(
		st.Transfers(), st.Records(), st, eval, nil, nil,
		transfer.WithClock(func() time.Time { return f.cur }),
	)
	return f
}

func (f *fixture) seedEntity(t *testing.T, ownerID string) record.Resource {
	t.Helper()
	ctx := context.Background()
	r := record.Resource{
		ID:             "rec1",
		OrganizationID: "org1",
		DepartmentID:   "sales",
		CreatedBy:      ownerID,
		Kind:           record.KindCandidate,
		Title:          "Jane Doe",
		Version:        1,
		CreatedAt:      f.cur,
		UpdatedAt:      f.cur,
	}
	if err := f.st.Records().Create(ctx, &r); err != nil {
		t.Fatal(err)
	}
	if err := f.st.Records().AddConversation(ctx, &record.Conversation{ID: "conv1", RecordID: r.ID, OwnerID: ownerID}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.Records().AddRecording(ctx, &record.Recording{ID: "call1", RecordID: r.ID, OwnerID: ownerID}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestTransferMovesOwnershipAndLeavesFrozenCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2", Comment: "handover"})
	if err != nil {
		t.Fatal(err)
	}
	if tr.FromUser != "mem1" || tr.ToUser != "mem2" || tr.FromDepartment != "sales" {
		t.Fatalf("unexpected transfer row: %+v", tr)
	}
	if !tr.CancelDeadline.Equal(f.cur.Add(time.Hour)) {
		t.Fatalf("cancel deadline must be creation time plus one hour, got %v", tr.CancelDeadline)
	}
	if tr.StatusAt(f.cur) != transfer.StatusActive {
		t.Fatal("fresh transfer must be active")
	}

	entity, err := f.st.Records().Get(ctx, "rec1")
	if err != nil {
		t.Fatal(err)
	}
	if entity.CreatedBy != "mem2" || entity.IsFrozenCopy {
		t.Fatalf("original entity not reassigned: %+v", entity)
	}
	if entity.Version != 2 {
		t.Fatalf("transfer must bump the version, got %d", entity.Version)
	}

	frozen, err := f.st.Records().Get(ctx, tr.CopyEntityID)
	if err != nil {
		t.Fatal(err)
	}
	if !frozen.IsFrozenCopy || frozen.CreatedBy != "mem1" || frozen.TransferredTo != "mem2" {
		t.Fatalf("unexpected frozen copy: %+v", frozen)
	}
	if frozen.TransferredAt == nil || !frozen.TransferredAt.Equal(f.cur) {
		t.Fatalf("frozen copy must stamp the transfer time, got %v", frozen.TransferredAt)
	}

	convs, _ := f.st.Records().Conversations(ctx, "rec1")
	calls, _ := f.st.Records().Recordings(ctx, "rec1")
	if len(convs) != 1 || convs[0].OwnerID != "mem2" {
		t.Fatalf("conversations must move with the entity: %+v", convs)
	}
	if len(calls) != 1 || calls[0].OwnerID != "mem2" {
		t.Fatalf("recordings must move with the entity: %+v", calls)
	}
	// dependents are moved, never copied
	copyConvs, _ := f.st.Records().Conversations(ctx, tr.CopyEntityID)
	if len(copyConvs) != 0 {
		t.Fatalf("frozen copy must not duplicate dependents, got %d", len(copyConvs))
	}
}

func TestTransferTargetDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "lead")

	tr, err := f.coord.Transfer(ctx, "lead", transfer.Request{EntityID: "rec1", ToUser: "mem1", ToDepartment: "support"})
	if err != nil {
		t.Fatal(err)
	}
	entity, _ := f.st.Records().Get(ctx, "rec1")
	if entity.DepartmentID != "support" {
		t.Fatalf("entity must move to the target department, got %q", entity.DepartmentID)
	}
	if tr.ToDepartment != "support" || tr.FromDepartment != "sales" {
		t.Fatalf("transfer row must capture both departments: %+v", tr)
	}
}

func TestTransferRejectsForeignDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	if err := f.st.CreateOrganization(ctx, &directory.Organization{ID: "org2"}); err != nil {
		t.Fatal(err)
	}
	other := directory.Department{ID: "elsewhere", OrganizationID: "org2"}
	if err := f.st.CreateDepartment(ctx, &other); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2", ToDepartment: "elsewhere"})
	if !errors.Is(err, transfer.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for cross-org department, got %v", err)
	}
}

func TestTransferEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	cases := []struct {
		name    string
		from    string
		to      string
		wantErr error
	}{
		{"self transfer", "mem1", "mem1", transfer.ErrDenied},
		{"member outside shared department", "mem1", "memB", transfer.ErrDenied},
		{"member to outsider", "mem1", "outsider", transfer.ErrDenied},
		{"non owner without access", "memB", "mem2", transfer.ErrDenied},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := f.coord.Transfer(ctx, c.from, transfer.Request{EntityID: "rec1", ToUser: c.to}); !errors.Is(err, c.wantErr) {
				t.Fatalf("expected %v, got %v", c.wantErr, err)
			}
		})
	}

	// superadmin may transfer anyone's record to any org member
	if _, err := f.coord.Transfer(ctx, "root", transfer.Request{EntityID: "rec1", ToUser: "memB"}); err != nil {
		t.Fatalf("superadmin transfer failed: %v", err)
	}
}

func TestFrozenCopyCannotBeRetransferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: tr.CopyEntityID, ToUser: "mem2"}); !errors.Is(err, transfer.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for frozen copy, got %v", err)
	}
}

func TestCancelInsideWindowRevertsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2", ToDepartment: "support"})
	if err != nil {
		t.Fatal(err)
	}

	f.cur = f.cur.Add(59 * time.Minute)
	cancelled, err := f.coord.Cancel(ctx, "mem1", tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.CancelledAt == nil || cancelled.StatusAt(f.cur) != transfer.StatusCancelled {
		t.Fatalf("cancellation not stamped: %+v", cancelled)
	}

	entity, err := f.st.Records().Get(ctx, "rec1")
	if err != nil {
		t.Fatal(err)
	}
	if entity.CreatedBy != "mem1" || entity.DepartmentID != "sales" {
		t.Fatalf("entity not reverted: %+v", entity)
	}
	if _, err := f.st.Records().Get(ctx, tr.CopyEntityID); !errors.Is(err, record.ErrNotFound) {
		t.Fatal("frozen copy must be deleted on cancellation")
	}
	convs, _ := f.st.Records().Conversations(ctx, "rec1")
	if len(convs) != 1 || convs[0].OwnerID != "mem1" {
		t.Fatalf("dependents not reverted: %+v", convs)
	}
}

func TestCancelAfterDeadlineChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2"})
	if err != nil {
		t.Fatal(err)
	}

	f.cur = f.cur.Add(61 * time.Minute)
	if _, err := f.coord.Cancel(ctx, "mem1", tr.ID); !errors.Is(err, transfer.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after deadline, got %v", err)
	}

	got, err := f.coord.Get(ctx, "mem1", tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CancelledAt != nil || got.StatusAt(f.cur) != transfer.StatusFinal {
		t.Fatalf("expired transfer must be final and unstamped: %+v", got)
	}
	entity, _ := f.st.Records().Get(ctx, "rec1")
	if entity.CreatedBy != "mem2" {
		t.Fatal("failed cancellation must leave ownership untouched")
	}
	if _, err := f.st.Records().Get(ctx, tr.CopyEntityID); err != nil {
		t.Fatal("failed cancellation must leave the frozen copy in place")
	}
}

func TestCancelPermissionsAndDoubleCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.coord.Cancel(ctx, "memB", tr.ID); !errors.Is(err, transfer.ErrDenied) {
		t.Fatalf("expected ErrDenied for bystander, got %v", err)
	}
	// recipient may cancel too
	if _, err := f.coord.Cancel(ctx, "mem2", tr.ID); err != nil {
		t.Fatalf("recipient cancel failed: %v", err)
	}
	if _, err := f.coord.Cancel(ctx, "mem1", tr.ID); !errors.Is(err, transfer.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func TestTransferAtomicityUnderInjectedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	boom := errors.New("storage failure")
	f.st.ExecuteHook = func() error { return boom }

	if _, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	entity, err := f.st.Records().Get(ctx, "rec1")
	if err != nil {
		t.Fatal(err)
	}
	if entity.CreatedBy != "mem1" || entity.Version != 1 {
		t.Fatalf("failed transfer leaked entity writes: %+v", entity)
	}
	all, err := f.st.Records().ListByOrg(ctx, "org1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("failed transfer leaked a frozen copy, have %d records", len(all))
	}
	if got, err := f.coord.ListByActor(ctx, "mem1"); err != nil || len(got) != 0 {
		t.Fatalf("failed transfer leaked a transfer row: %v %v", got, err)
	}
}

func TestTransferVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEntity(t, "mem1")

	tr, err := f.coord.Transfer(ctx, "mem1", transfer.Request{EntityID: "rec1", ToUser: "mem2"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.coord.Get(ctx, "memB", tr.ID); !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("bystander must not see the transfer, got %v", err)
	}
	for _, actor := range []string{"mem1", "mem2", "root"} {
		if _, err := f.coord.Get(ctx, actor, tr.ID); err != nil {
			t.Fatalf("%s must see the transfer: %v", actor, err)
		}
	}
	sent, err := f.coord.ListByActor(ctx, "mem1")
	if err != nil || len(sent) != 1 {
		t.Fatalf("sender listing: %v %v", sent, err)
	}
}
