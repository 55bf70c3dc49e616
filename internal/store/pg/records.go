package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"kadra.org/internal/record"
)

// Records implements record.Store.
type Records struct {
	db *sql.DB
}

var _ record.Store = (*Records)(nil)

const recordColumns = `
	id, organization_id, coalesce(department_id,''), coalesce(created_by,''),
	kind, title, fields, version, is_frozen_copy,
	coalesce(transferred_to_id,''), transferred_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (record.Resource, error) {
	var (
		r      record.Resource
		fields []byte
	)
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.DepartmentID, &r.CreatedBy,
		&r.Kind, &r.Title, &fields, &r.Version, &r.IsFrozenCopy,
		&r.TransferredTo, &r.TransferredAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return record.Resource{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return record.Resource{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return r, nil
}

func fieldsJSON(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(fields)
}

func (s *Records) Create(ctx context.Context, r *record.Resource) error {
	fields, err := fieldsJSON(r.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		insert into records(id, organization_id, department_id, created_by, kind, title, fields, version, is_frozen_copy, transferred_to_id, transferred_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8,$9,nullif($10,''),$11)
		returning created_at, updated_at
	`, r.ID, r.OrganizationID, r.DepartmentID, r.CreatedBy, r.Kind, r.Title, fields,
		r.Version, r.IsFrozenCopy, r.TransferredTo, r.TransferredAt,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	switch {
	case isPgError(err, pgErrUniqueViolation):
		return record.ErrInvalidInput
	case isPgError(err, pgErrForeignKeyViolation):
		return record.ErrInvalidInput
	}
	return err
}

func (s *Records) Get(ctx context.Context, id string) (record.Resource, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`select`+recordColumns+` from records where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return record.Resource{}, record.ErrNotFound
	}
	return r, err
}

// Update takes the row lock, compares the expected version under it and bumps
// by exactly one, all in a single transaction.
func (s *Records) Update(ctx context.Context, id string, expectedVersion int64, ch record.Changes) (record.Resource, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Resource{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx,
		`select`+recordColumns+` from records where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return record.Resource{}, record.ErrNotFound
	}
	if err != nil {
		return record.Resource{}, err
	}
	if current.IsFrozenCopy {
		return record.Resource{}, record.ErrFrozen
	}
	if current.Version != expectedVersion {
		return record.Resource{}, record.ErrVersionConflict
	}

	title := current.Title
	if ch.Title != nil {
		title = *ch.Title
	}
	next := current.Fields
	if ch.Fields != nil {
		next = ch.Fields
	}
	fields, err := fieldsJSON(next)
	if err != nil {
		return record.Resource{}, fmt.Errorf("encode fields: %w", err)
	}

	updated, err := scanRecord(tx.QueryRowContext(ctx, `
		update records
		set title=$2, fields=$3, version = version + 1, updated_at = now()
		where id=$1
		returning`+recordColumns, id, title, fields))
	if err != nil {
		return record.Resource{}, err
	}
	if err := tx.Commit(); err != nil {
		return record.Resource{}, err
	}
	return updated, nil
}

func (s *Records) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from conversations where record_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from recordings where record_id=$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from records where id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return record.ErrNotFound
	}
	return tx.Commit()
}

func (s *Records) ListByOrg(ctx context.Context, orgID string) ([]record.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`select`+recordColumns+` from records where organization_id=$1 order by id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Resource
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Records) AddConversation(ctx context.Context, c *record.Conversation) error {
	err := s.db.QueryRowContext(ctx, `
		insert into conversations(id, record_id, owner_id)
		values ($1,$2,$3)
		returning created_at
	`, c.ID, c.RecordID, c.OwnerID).Scan(&c.CreatedAt)
	if isPgError(err, pgErrForeignKeyViolation) {
		return record.ErrNotFound
	}
	return err
}

func (s *Records) Conversations(ctx context.Context, recordID string) ([]record.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, record_id, owner_id, created_at from conversations where record_id=$1 order by id
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Conversation
	for rows.Next() {
		var c record.Conversation
		if err := rows.Scan(&c.ID, &c.RecordID, &c.OwnerID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Records) AddRecording(ctx context.Context, rec *record.Recording) error {
	err := s.db.QueryRowContext(ctx, `
		insert into recordings(id, record_id, owner_id)
		values ($1,$2,$3)
		returning created_at
	`, rec.ID, rec.RecordID, rec.OwnerID).Scan(&rec.CreatedAt)
	if isPgError(err, pgErrForeignKeyViolation) {
		return record.ErrNotFound
	}
	return err
}

func (s *Records) Recordings(ctx context.Context, recordID string) ([]record.Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, record_id, owner_id, created_at from recordings where record_id=$1 order by id
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Recording
	for rows.Next() {
		var r record.Recording
		if err := rows.Scan(&r.ID, &r.RecordID, &r.OwnerID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
