package authz

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

// Policy replaces the built-in decision procedure for one resource class.
// Attach an implementation to ResourceClass.Policy when a class needs rules
// the standard pipeline cannot express. The engine still short-circuits root
// principals before delegating, so a Policy never sees them.
//
// Implementations may call back into the Engine for the building blocks:
// Classify, EffectiveRoles, PrincipalTeams and the standard Check on other
// classes.
type Policy interface {
	// Check decides a single access question for the class.
	Check(ctx context.Context, eng *Engine, principalID int64, class *ResourceClass, resourceID int64, required Level) Decision

	// Filter builds the bulk predicate for the class. alias carries the
	// table alias of the outer query, or "" when the table name itself
	// qualifies columns. The predicate must stay consistent with Check.
	Filter(ctx context.Context, eng *Engine, principalID int64, class *ResourceClass, alias string, required Level) (sq.Sqlizer, error)
}
