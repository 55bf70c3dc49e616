package pg

import (
	"context"
	"database/sql"
	"errors"

	"kadra.org/internal/directory"
)

// Directory implements directory.Store.
type Directory struct {
	db *sql.DB
}

var _ directory.Store = (*Directory)(nil)

func (d *Directory) CreateActor(ctx context.Context, a *directory.Actor) error {
	if a.ID == "" || a.Email == "" {
		return directory.ErrInvalidInput
	}
	if a.Status == "" {
		a.Status = "active"
	}
	err := d.db.QueryRowContext(ctx, `
		insert into users(id, email, full_name, is_superadmin, status)
		values ($1,$2,$3,$4,$5)
		returning created_at, updated_at
	`, a.ID, a.Email, a.FullName, a.Superadmin, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isPgError(err, pgErrUniqueViolation) {
		return directory.ErrConflict
	}
	return err
}

func (d *Directory) Actor(ctx context.Context, id string) (*directory.Actor, error) {
	var a directory.Actor
	err := d.db.QueryRowContext(ctx, `
		select id, email, coalesce(full_name,''), is_superadmin, status, created_at, updated_at
		from users where id=$1
	`, id).Scan(&a.ID, &a.Email, &a.FullName, &a.Superadmin, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *Directory) CreateOrganization(ctx context.Context, org *directory.Organization) error {
	if org.ID == "" || org.Name == "" {
		return directory.ErrInvalidInput
	}
	err := d.db.QueryRowContext(ctx, `
		insert into organizations(id, name)
		values ($1,$2)
		returning created_at, updated_at
	`, org.ID, org.Name).Scan(&org.CreatedAt, &org.UpdatedAt)
	if isPgError(err, pgErrUniqueViolation) {
		return directory.ErrConflict
	}
	return err
}

func (d *Directory) Organization(ctx context.Context, id string) (*directory.Organization, error) {
	var org directory.Organization
	err := d.db.QueryRowContext(ctx, `
		select id, name, created_at, updated_at from organizations where id=$1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (d *Directory) CreateDepartment(ctx context.Context, dept *directory.Department) error {
	if dept.ID == "" || dept.OrganizationID == "" {
		return directory.ErrInvalidInput
	}
	err := d.db.QueryRowContext(ctx, `
		insert into departments(id, organization_id, name)
		values ($1,$2,$3)
		returning created_at
	`, dept.ID, dept.OrganizationID, dept.Name).Scan(&dept.CreatedAt)
	switch {
	case isPgError(err, pgErrUniqueViolation):
		return directory.ErrConflict
	case isPgError(err, pgErrForeignKeyViolation):
		return directory.ErrNotFound
	}
	return err
}

func (d *Directory) Department(ctx context.Context, id string) (*directory.Department, error) {
	var dept directory.Department
	err := d.db.QueryRowContext(ctx, `
		select id, organization_id, name, created_at from departments where id=$1
	`, id).Scan(&dept.ID, &dept.OrganizationID, &dept.Name, &dept.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dept, nil
}

func (d *Directory) SetOrgRole(ctx context.Context, orgID, userID string, role directory.OrgRole) error {
	if role == directory.OrgRoleNone {
		_, err := d.db.ExecContext(ctx, `
			delete from org_memberships where organization_id=$1 and user_id=$2
		`, orgID, userID)
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		insert into org_memberships(organization_id, user_id, role)
		values ($1,$2,$3)
		on conflict (organization_id, user_id) do update set role = excluded.role
	`, orgID, userID, role.String())
	if isPgError(err, pgErrForeignKeyViolation) {
		return directory.ErrNotFound
	}
	return err
}

func (d *Directory) OrgRole(ctx context.Context, orgID, userID string) (directory.OrgRole, error) {
	var role string
	err := d.db.QueryRowContext(ctx, `
		select role from org_memberships where organization_id=$1 and user_id=$2
	`, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.OrgRoleNone, nil
	}
	if err != nil {
		return directory.OrgRoleNone, err
	}
	return directory.ParseOrgRole(role), nil
}

func (d *Directory) SetDeptRole(ctx context.Context, deptID, userID string, role directory.DeptRole) error {
	if role == directory.DeptRoleNone {
		_, err := d.db.ExecContext(ctx, `
			delete from department_memberships where department_id=$1 and user_id=$2
		`, deptID, userID)
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		insert into department_memberships(department_id, user_id, role)
		values ($1,$2,$3)
		on conflict (department_id, user_id) do update set role = excluded.role
	`, deptID, userID, role.String())
	if isPgError(err, pgErrForeignKeyViolation) {
		return directory.ErrNotFound
	}
	return err
}

func (d *Directory) DeptRole(ctx context.Context, deptID, userID string) (directory.DeptRole, error) {
	var role string
	err := d.db.QueryRowContext(ctx, `
		select role from department_memberships where department_id=$1 and user_id=$2
	`, deptID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.DeptRoleNone, nil
	}
	if err != nil {
		return directory.DeptRoleNone, err
	}
	return directory.ParseDeptRole(role), nil
}

func (d *Directory) DepartmentsOf(ctx context.Context, userID string) ([]directory.DeptMembership, error) {
	rows, err := d.db.QueryContext(ctx, `
		select department_id, role, created_at
		from department_memberships
		where user_id=$1
		order by department_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.DeptMembership
	for rows.Next() {
		m := directory.DeptMembership{UserID: userID}
		var role string
		if err := rows.Scan(&m.DepartmentID, &role, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = directory.ParseDeptRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *Directory) ShareDepartment(ctx context.Context, aID, bID string) (bool, error) {
	var shared bool
	err := d.db.QueryRowContext(ctx, `
		select exists(
			select 1
			from department_memberships a
			join department_memberships b on b.department_id = a.department_id
			where a.user_id=$1 and b.user_id=$2
		)
	`, aID, bID).Scan(&shared)
	return shared, err
}

func (d *Directory) AdminsDepartmentInOrg(ctx context.Context, orgID, userID string) (bool, error) {
	var admin bool
	err := d.db.QueryRowContext(ctx, `
		select exists(
			select 1
			from department_memberships m
			join departments dep on dep.id = m.department_id
			where dep.organization_id=$1 and m.user_id=$2 and m.role in ('lead','sub_admin')
		)
	`, orgID, userID).Scan(&admin)
	return admin, err
}

// RemoveActor detaches the actor from one organization with the documented
// uneven per-table policy: memberships and in-org grants are hard-deleted,
// record ownership is nulled, and the user row goes only with the last
// membership.
func (d *Directory) RemoveActor(ctx context.Context, orgID, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from org_memberships where organization_id=$1 and user_id=$2
	`, orgID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return directory.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		delete from department_memberships m
		using departments dep
		where dep.id = m.department_id and dep.organization_id=$1 and m.user_id=$2
	`, orgID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from shared_access sa
		using records r
		where r.id = sa.resource_id and r.organization_id=$1 and sa.granted_to=$2
	`, orgID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update records set created_by = null, updated_at = now()
		where organization_id=$1 and created_by=$2
	`, orgID, userID); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from org_memberships where user_id=$1
	`, userID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `delete from users where id=$1`, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
