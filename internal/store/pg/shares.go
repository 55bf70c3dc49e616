package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kadra.org/internal/audit"
	"kadra.org/internal/authz"
	"kadra.org/internal/share"
)

// Shares implements share.Store. Grant creation and deletion write their
// audit row inside the same transaction, so a grant without its trail can
// never be observed.
type Shares struct {
	db *sql.DB
}

var _ share.Store = (*Shares)(nil)

const grantColumns = `
	id, resource_type, resource_id, granted_by, granted_to,
	access_level, coalesce(note,''), expires_at, created_at`

func scanGrant(row rowScanner) (share.Grant, error) {
	var (
		g     share.Grant
		level string
	)
	err := row.Scan(
		&g.ID, &g.ResourceType, &g.ResourceID, &g.GrantedBy, &g.GrantedTo,
		&level, &g.Note, &g.ExpiresAt, &g.CreatedAt,
	)
	if err != nil {
		return share.Grant{}, err
	}
	g.Level = authz.ParseLevel(level)
	return g, nil
}

func (s *Shares) Create(ctx context.Context, g *share.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into shared_access(id, resource_type, resource_id, granted_by, granted_to, access_level, note, expires_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8)
		returning created_at
	`, g.ID, g.ResourceType, g.ResourceID, g.GrantedBy, g.GrantedTo, g.Level.String(), g.Note, g.ExpiresAt).Scan(&g.CreatedAt)
	switch {
	case isPgError(err, pgErrUniqueViolation):
		return share.ErrInvalidInput
	case isPgError(err, pgErrForeignKeyViolation):
		return share.ErrNotFound
	case err != nil:
		return err
	}

	if err := audit.Append(ctx, tx, audit.Entry{
		ActorUserID:  g.GrantedBy,
		Action:       "share.granted",
		ResourceType: g.ResourceType,
		ResourceID:   g.ResourceID,
		Metadata:     map[string]any{"grant_id": g.ID, "granted_to": g.GrantedTo, "level": g.Level.String()},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Shares) Get(ctx context.Context, id string) (share.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`select`+grantColumns+` from shared_access where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return share.Grant{}, share.ErrNotFound
	}
	return g, err
}

func (s *Shares) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	g, err := scanGrant(tx.QueryRowContext(ctx,
		`delete from shared_access where id=$1 returning`+grantColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return share.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := audit.Append(ctx, tx, audit.Entry{
		Action:       "share.revoked",
		ResourceType: g.ResourceType,
		ResourceID:   g.ResourceID,
		Metadata:     map[string]any{"grant_id": id},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Shares) ListForResource(ctx context.Context, resourceType, resourceID string) ([]share.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select`+grantColumns+` from shared_access where resource_type=$1 and resource_id=$2 order by id`,
		resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (s *Shares) ListForActor(ctx context.Context, actorID string) ([]share.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select`+grantColumns+` from shared_access where granted_to=$1 order by id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

// HighestLevel reports the most permissive non-expired grant. Expired rows
// simply stop matching here; nothing sweeps them.
func (s *Shares) HighestLevel(ctx context.Context, resourceType, resourceID, actorID string, now time.Time) (authz.Level, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select access_level
		from shared_access
		where resource_type=$1 and resource_id=$2 and granted_to=$3
		  and (expires_at is null or expires_at > $4)
	`, resourceType, resourceID, actorID, now)
	if err != nil {
		return authz.LevelNone, false, err
	}
	defer rows.Close()

	var (
		best  authz.Level
		found bool
	)
	for rows.Next() {
		var level string
		if err := rows.Scan(&level); err != nil {
			return authz.LevelNone, false, err
		}
		if l := authz.ParseLevel(level); !found || l > best {
			best = l
			found = true
		}
	}
	return best, found, rows.Err()
}

func collectGrants(rows *sql.Rows) ([]share.Grant, error) {
	var out []share.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
