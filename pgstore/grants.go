package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/authz"
)

// ErrGrantNotFound indicates a missing grant row.
var ErrGrantNotFound = errors.New("pgstore: grant not found")

// InsertGrant stores one grant and returns its id. The caller owns cache
// invalidation: broadcast after mutating so other processes drop their
// cached resolutions.
func (s *Store) InsertGrant(ctx context.Context, g authz.Grant) (int64, error) {
	if err := g.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO authz_grants
(user_id, team_id, role_id, resource_type, resource_id,
 allow_view, allow_execute, allow_copy, allow_edit, allow_delete, allow_share, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		g.UserID, g.TeamID, g.RoleID, g.ResourceType, g.ResourceID,
		g.View, g.Execute, g.Copy, g.Edit, g.Delete, g.Share, g.ExpiresAt).Scan(&id)
	if err != nil {
		return 0, describe("insert grant", err)
	}
	return id, nil
}

// DeleteGrant removes one grant row.
func (s *Store) DeleteGrant(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authz_grants WHERE id=$1`, id)
	if err != nil {
		return describe("delete grant", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrGrantNotFound, id)
	}
	return nil
}

// ReplaceGrants swaps the full grant set of one resource in a single
// transaction. Readers never observe the resource half-granted.
func (s *Store) ReplaceGrants(ctx context.Context, resourceType string, resourceID int64, grants []authz.Grant) error {
	for i, g := range grants {
		if g.ResourceType != resourceType || g.ResourceID != resourceID {
			return fmt.Errorf("pgstore: grant %d does not target %s/%d", i, resourceType, resourceID)
		}
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM authz_grants WHERE resource_type=$1 AND resource_id=$2`,
			resourceType, resourceID); err != nil {
			return describe("replace grants: clear", err)
		}
		for _, g := range grants {
			if _, err := tx.Exec(ctx, `INSERT INTO authz_grants
(user_id, team_id, role_id, resource_type, resource_id,
 allow_view, allow_execute, allow_copy, allow_edit, allow_delete, allow_share, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				g.UserID, g.TeamID, g.RoleID, g.ResourceType, g.ResourceID,
				g.View, g.Execute, g.Copy, g.Edit, g.Delete, g.Share, g.ExpiresAt); err != nil {
				return describe("replace grants: insert", err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return describe("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return describe("commit tx", err)
	}
	return nil
}

// GrantsForPrincipal lists the user-scoped grants of one principal, newest
// first. Diagnostic surface for operators; the engine itself resolves grants
// per resource.
func (s *Store) GrantsForPrincipal(ctx context.Context, principalID int64) ([]authz.Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, team_id, role_id, resource_type, resource_id,
allow_view, allow_execute, allow_copy, allow_edit, allow_delete, allow_share, expires_at
FROM authz_grants WHERE user_id=$1 ORDER BY id DESC`, principalID)
	if err != nil {
		return nil, describe("grants for principal", err)
	}
	defer rows.Close()
	grants := []authz.Grant{}
	for rows.Next() {
		var g authz.Grant
		if err := rows.Scan(&g.ID, &g.UserID, &g.TeamID, &g.RoleID, &g.ResourceType, &g.ResourceID,
			&g.View, &g.Execute, &g.Copy, &g.Edit, &g.Delete, &g.Share, &g.ExpiresAt); err != nil {
			return nil, describe("grants for principal", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, describe("grants for principal", err)
	}
	return grants, nil
}
