package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kadra.org/internal/audit"
	"kadra.org/internal/ids"
	"kadra.org/internal/transfer"
)

// Transfers implements transfer.Store. Both protocol legs run as one
// transaction each, holding exclusive locks on the entity and its dependent
// rows for the duration; the pre-transfer owner and department are read from
// the locked row, never trusted from the caller.
type Transfers struct {
	db *sql.DB
}

var _ transfer.Store = (*Transfers)(nil)

const transferColumns = `
	id, entity_id, copy_entity_id, coalesce(from_user,''), to_user,
	coalesce(from_department,''), coalesce(to_department,''), coalesce(comment,''),
	created_at, cancel_deadline, cancelled_at`

func scanTransfer(row rowScanner) (transfer.Transfer, error) {
	var t transfer.Transfer
	err := row.Scan(
		&t.ID, &t.EntityID, &t.CopyEntityID, &t.FromUser, &t.ToUser,
		&t.FromDepartment, &t.ToDepartment, &t.Comment,
		&t.CreatedAt, &t.CancelDeadline, &t.CancelledAt,
	)
	return t, err
}

func (s *Transfers) Get(ctx context.Context, id string) (transfer.Transfer, error) {
	t, err := scanTransfer(s.db.QueryRowContext(ctx,
		`select`+transferColumns+` from transfers where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	return t, err
}

func (s *Transfers) Execute(ctx context.Context, req transfer.ExecRequest) (transfer.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transfer.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entity, err := scanRecord(tx.QueryRowContext(ctx,
		`select`+recordColumns+` from records where id=$1 for update`, req.EntityID))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	if err != nil {
		return transfer.Transfer{}, err
	}
	if entity.IsFrozenCopy {
		return transfer.Transfer{}, transfer.ErrInvalidState
	}
	if entity.Version != req.ExpectedVersion {
		return transfer.Transfer{}, transfer.ErrVersionConflict
	}
	if err := lockDependents(ctx, tx, req.EntityID); err != nil {
		return transfer.Transfer{}, err
	}

	fromUser := entity.CreatedBy
	if fromUser == "" {
		fromUser = req.FromUser
	}

	copyID := ids.New()
	fields, err := fieldsJSON(entity.Fields)
	if err != nil {
		return transfer.Transfer{}, err
	}
	// The copy snapshots the row as it was, original created_at included;
	// only updated_at and the transfer stamps are new.
	if _, err := tx.ExecContext(ctx, `
		insert into records(id, organization_id, department_id, created_by, kind, title, fields, version, is_frozen_copy, transferred_to_id, transferred_at, created_at, updated_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8,true,$9,$10,$11,$12)
	`, copyID, entity.OrganizationID, entity.DepartmentID, entity.CreatedBy,
		entity.Kind, entity.Title, fields, entity.Version, req.ToUser, req.Now,
		entity.CreatedAt, req.Now); err != nil {
		return transfer.Transfer{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update records
		set created_by=$2,
		    department_id = case when $3 <> '' then $3 else department_id end,
		    version = version + 1,
		    updated_at = $4
		where id=$1
	`, req.EntityID, req.ToUser, req.ToDepartment, req.Now); err != nil {
		return transfer.Transfer{}, err
	}
	if err := moveDependents(ctx, tx, req.EntityID, req.ToUser); err != nil {
		return transfer.Transfer{}, err
	}

	t := transfer.Transfer{
		ID:             ids.New(),
		EntityID:       req.EntityID,
		CopyEntityID:   copyID,
		FromUser:       fromUser,
		ToUser:         req.ToUser,
		FromDepartment: entity.DepartmentID,
		ToDepartment:   req.ToDepartment,
		Comment:        req.Comment,
		CreatedAt:      req.Now,
		CancelDeadline: req.Now.Add(transfer.CancelWindow),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into transfers(id, entity_id, copy_entity_id, from_user, to_user, from_department, to_department, comment, created_at, cancel_deadline)
		values ($1,$2,$3,nullif($4,''),$5,nullif($6,''),nullif($7,''),nullif($8,''),$9,$10)
	`, t.ID, t.EntityID, t.CopyEntityID, t.FromUser, t.ToUser,
		t.FromDepartment, t.ToDepartment, t.Comment, t.CreatedAt, t.CancelDeadline); err != nil {
		return transfer.Transfer{}, err
	}

	if err := audit.Append(ctx, tx, audit.Entry{
		ActorUserID:    req.FromUser,
		OrganizationID: entity.OrganizationID,
		Action:         "transfer.created",
		ResourceType:   entity.Kind,
		ResourceID:     entity.ID,
		Metadata:       map[string]any{"transfer_id": t.ID, "to_user": t.ToUser},
	}); err != nil {
		return transfer.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return transfer.Transfer{}, err
	}
	return t, nil
}

func (s *Transfers) Cancel(ctx context.Context, id string, now time.Time) (transfer.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transfer.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTransfer(tx.QueryRowContext(ctx,
		`select`+transferColumns+` from transfers where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	if err != nil {
		return transfer.Transfer{}, err
	}
	if t.CancelledAt != nil || now.After(t.CancelDeadline) {
		return transfer.Transfer{}, transfer.ErrInvalidState
	}

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from records where id=$1 for update`, t.EntityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Transfer{}, transfer.ErrNotFound
	}
	if err != nil {
		return transfer.Transfer{}, err
	}
	if err := lockDependents(ctx, tx, t.EntityID); err != nil {
		return transfer.Transfer{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update records
		set created_by = nullif($2,''),
		    department_id = nullif($3,''),
		    version = version + 1,
		    updated_at = $4
		where id=$1
	`, t.EntityID, t.FromUser, t.FromDepartment, now); err != nil {
		return transfer.Transfer{}, err
	}
	// A sender removed from the platform leaves from_user null; owner_id on
	// dependents is not null, so their ownership stays with the recipient.
	if t.FromUser != "" {
		if err := moveDependents(ctx, tx, t.EntityID, t.FromUser); err != nil {
			return transfer.Transfer{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `delete from records where id=$1`, t.CopyEntityID); err != nil {
		return transfer.Transfer{}, err
	}
	if _, err := tx.ExecContext(ctx, `update transfers set cancelled_at=$2 where id=$1`, id, now); err != nil {
		return transfer.Transfer{}, err
	}

	if err := audit.Append(ctx, tx, audit.Entry{
		Action:     "transfer.cancelled",
		ResourceID: t.EntityID,
		Metadata:   map[string]any{"transfer_id": id},
	}); err != nil {
		return transfer.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return transfer.Transfer{}, err
	}
	at := now
	t.CancelledAt = &at
	return t, nil
}

func (s *Transfers) ListByActor(ctx context.Context, actorID string) ([]transfer.Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`select`+transferColumns+` from transfers where from_user=$1 or to_user=$1 order by created_at, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transfer.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// lockDependents takes the row locks on the entity's conversations and
// recordings in deterministic id order.
func lockDependents(ctx context.Context, tx *sql.Tx, entityID string) error {
	for _, table := range []string{"conversations", "recordings"} {
		rows, err := tx.QueryContext(ctx,
			`select id from `+table+` where record_id=$1 order by id for update`, entityID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

func moveDependents(ctx context.Context, tx *sql.Tx, entityID, ownerID string) error {
	if _, err := tx.ExecContext(ctx,
		`update conversations set owner_id=$2 where record_id=$1`, entityID, ownerID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`update recordings set owner_id=$2 where record_id=$1`, entityID, ownerID)
	return err
}
