package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the hierarchy and grant tables. Resource tables stay
// with the host; only the shared access-control state lives here. The grant
// table enforces the exactly-one-scope rule so the engine never has to.
const Schema = `
CREATE TABLE IF NOT EXISTS authz_teams (
    id BIGSERIAL PRIMARY KEY,
    parent_id BIGINT REFERENCES authz_teams(id),
    name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_authz_teams_parent ON authz_teams(parent_id);

CREATE TABLE IF NOT EXISTS authz_roles (
    id BIGSERIAL PRIMARY KEY,
    parent_id BIGINT REFERENCES authz_roles(id),
    team_id BIGINT REFERENCES authz_teams(id),
    name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS authz_memberships (
    id BIGSERIAL PRIMARY KEY,
    principal_id BIGINT NOT NULL,
    team_id BIGINT REFERENCES authz_teams(id),
    role_id BIGINT NOT NULL REFERENCES authz_roles(id),
    UNIQUE NULLS NOT DISTINCT (principal_id, team_id)
);
CREATE INDEX IF NOT EXISTS idx_authz_memberships_principal ON authz_memberships(principal_id);

CREATE TABLE IF NOT EXISTS authz_grants (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT,
    team_id BIGINT REFERENCES authz_teams(id),
    role_id BIGINT REFERENCES authz_roles(id),
    resource_type TEXT NOT NULL,
    resource_id BIGINT NOT NULL,
    allow_view BOOLEAN NOT NULL DEFAULT FALSE,
    allow_execute BOOLEAN NOT NULL DEFAULT FALSE,
    allow_copy BOOLEAN NOT NULL DEFAULT FALSE,
    allow_edit BOOLEAN NOT NULL DEFAULT FALSE,
    allow_delete BOOLEAN NOT NULL DEFAULT FALSE,
    allow_share BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT authz_grants_single_scope CHECK (num_nonnulls(user_id, team_id, role_id) = 1)
);
CREATE INDEX IF NOT EXISTS idx_authz_grants_resource ON authz_grants(resource_type, resource_id);
CREATE INDEX IF NOT EXISTS idx_authz_grants_user ON authz_grants(user_id) WHERE user_id IS NOT NULL;
`

// EnsureSchema creates the access-control tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}
