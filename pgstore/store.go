// Package pgstore implements authz.Store over PostgreSQL with pgx.
//
// Resource tables are the host's own; the package only reads their access
// columns (id, owner_id, team_id, deleted_at) and the reference columns
// declared on their resource classes. The hierarchy and grant tables are
// owned by this package; EnsureSchema creates them.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/authz"
)

// Store reads access-control data from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) FetchResource(ctx context.Context, class *authz.ResourceClass, id int64) (authz.Resource, error) {
	query := fmt.Sprintf(`SELECT id, owner_id, team_id, deleted_at FROM %s WHERE id=$1`,
		pgx.Identifier{class.Table}.Sanitize())
	var res authz.Resource
	err := s.pool.QueryRow(ctx, query, id).Scan(&res.ID, &res.OwnerID, &res.TeamID, &res.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return authz.Resource{}, fmt.Errorf("%w: %s/%d", authz.ErrResourceNotFound, class.Name, id)
	}
	if err != nil {
		return authz.Resource{}, describe("fetch resource", err)
	}
	return res, nil
}

func (s *Store) FetchAllRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, parent_id, team_id FROM authz_roles ORDER BY id`)
	if err != nil {
		return nil, describe("fetch roles", err)
	}
	defer rows.Close()
	roles := []authz.Role{}
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.ParentID, &role.TeamID); err != nil {
			return nil, describe("fetch roles", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, describe("fetch roles", err)
	}
	return roles, nil
}

func (s *Store) FetchDirectRole(ctx context.Context, principalID int64, teamID *int64) (int64, bool, error) {
	var roleID int64
	err := s.pool.QueryRow(ctx, `SELECT role_id FROM authz_memberships
WHERE principal_id=$1 AND team_id IS NOT DISTINCT FROM $2`, principalID, teamID).Scan(&roleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, describe("fetch direct role", err)
	}
	return roleID, true, nil
}

func (s *Store) FetchMemberships(ctx context.Context, principalID int64) ([]authz.Membership, error) {
	rows, err := s.pool.Query(ctx, `SELECT team_id, role_id FROM authz_memberships
WHERE principal_id=$1 AND team_id IS NOT NULL ORDER BY team_id`, principalID)
	if err != nil {
		return nil, describe("fetch memberships", err)
	}
	defer rows.Close()
	memberships := []authz.Membership{}
	for rows.Next() {
		var m authz.Membership
		if err := rows.Scan(&m.TeamID, &m.RoleID); err != nil {
			return nil, describe("fetch memberships", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, describe("fetch memberships", err)
	}
	return memberships, nil
}

func (s *Store) FetchTeamParent(ctx context.Context, teamID int64) (*int64, error) {
	var parent *int64
	err := s.pool.QueryRow(ctx, `SELECT parent_id FROM authz_teams WHERE id=$1`, teamID).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, describe("fetch team parent", err)
	}
	return parent, nil
}

func (s *Store) FetchChildTeams(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM authz_teams WHERE parent_id=$1 ORDER BY id`, teamID)
	if err != nil {
		return nil, describe("fetch child teams", err)
	}
	defer rows.Close()
	children := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, describe("fetch child teams", err)
		}
		children = append(children, id)
	}
	if err := rows.Err(); err != nil {
		return nil, describe("fetch child teams", err)
	}
	return children, nil
}

func (s *Store) FetchGrants(ctx context.Context, class *authz.ResourceClass, id int64) ([]authz.Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, team_id, role_id, resource_type, resource_id,
allow_view, allow_execute, allow_copy, allow_edit, allow_delete, allow_share, expires_at
FROM authz_grants WHERE resource_type=$1 AND resource_id=$2 ORDER BY id`, class.Name, id)
	if err != nil {
		return nil, describe("fetch grants", err)
	}
	defer rows.Close()
	grants := []authz.Grant{}
	for rows.Next() {
		var g authz.Grant
		if err := rows.Scan(&g.ID, &g.UserID, &g.TeamID, &g.RoleID, &g.ResourceType, &g.ResourceID,
			&g.View, &g.Execute, &g.Copy, &g.Edit, &g.Delete, &g.Share, &g.ExpiresAt); err != nil {
			return nil, describe("fetch grants", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, describe("fetch grants", err)
	}
	return grants, nil
}

func (s *Store) FetchReference(ctx context.Context, class *authz.ResourceClass, id int64, column string) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`,
		pgx.Identifier{column}.Sanitize(), pgx.Identifier{class.Table}.Sanitize())
	var ref *int64
	err := s.pool.QueryRow(ctx, query, id).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, describe("fetch reference", err)
	}
	if ref == nil {
		return 0, false, nil
	}
	return *ref, true, nil
}

// describe keeps pgx errors intact while flagging the one failure mode with
// an obvious remedy.
func describe(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("pgstore: %s: %w (table missing, run EnsureSchema or create the resource table)", op, err)
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}
