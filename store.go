package authz

import "context"

// Role is one node of the role hierarchy. A role with a nil ParentID is a
// hierarchy root; a role with a TeamID is scoped to that team.
type Role struct {
	ID       int64
	ParentID *int64
	TeamID   *int64
}

// Membership ties a principal to a team through the role they hold there.
type Membership struct {
	TeamID int64
	RoleID int64
}

// Store is the data-access surface the engine depends on. Implementations
// wrap the host's database; pgstore provides one for PostgreSQL.
//
// FetchResource must return ErrResourceNotFound (possibly wrapped) when no
// row matches. Every other error from any method is treated as a data-access
// failure: checks report OutcomeError and never fall back to a grant.
type Store interface {
	// FetchResource loads the access-control columns of one row.
	FetchResource(ctx context.Context, class *ResourceClass, id int64) (Resource, error)

	// FetchAllRoles returns every role row. The engine rebuilds its role
	// snapshot from the full set; partial results corrupt level numbering.
	FetchAllRoles(ctx context.Context) ([]Role, error)

	// FetchDirectRole returns the role a principal holds in the given team,
	// or their global role when teamID is nil. ok is false when the
	// principal holds no role in that scope.
	FetchDirectRole(ctx context.Context, principalID int64, teamID *int64) (roleID int64, ok bool, err error)

	// FetchMemberships returns every team membership of a principal.
	FetchMemberships(ctx context.Context, principalID int64) ([]Membership, error)

	// FetchTeamParent returns the parent of a team, or nil for a root team.
	// Unknown teams also return nil.
	FetchTeamParent(ctx context.Context, teamID int64) (*int64, error)

	// FetchChildTeams returns the direct children of a team.
	FetchChildTeams(ctx context.Context, teamID int64) ([]int64, error)

	// FetchGrants returns every grant row targeting one resource, including
	// expired ones; the engine filters by expiry itself.
	FetchGrants(ctx context.Context, class *ResourceClass, id int64) ([]Grant, error)

	// FetchReference reads a reference column of one row. ok is false when
	// the row is absent or the column is NULL.
	FetchReference(ctx context.Context, class *ResourceClass, id int64, column string) (refID int64, ok bool, err error)
}
