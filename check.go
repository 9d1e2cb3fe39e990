package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Decision reasons. NOT_FOUND deliberately uses one reason for absent and
// soft-deleted rows so callers cannot tell them apart.
const (
	reasonRoot            = "root identity"
	reasonNotFound        = "resource not found"
	reasonSystemProtected = "system protected class"
	reasonSystemReadable  = "system class readable"
	reasonTemplateShared  = "template resource"
	reasonTemplateLocked  = "template resource locked"
	reasonOwner           = "owner"
	reasonTeamAdmin       = "team admin"
	reasonGrant           = "direct grant"
	reasonReference       = "permission reference"
	reasonNoRule          = "no matching rule"
)

// Check decides whether a principal holds the required level on one
// resource.
//
// The outcome is OutcomeGranted or OutcomeDenied for an evaluated policy,
// OutcomeNotFound for a resource that is absent or soft-deleted, and
// OutcomeError when data access failed before a verdict was possible. An
// error outcome must never be coerced to a denial by the engine; that call
// belongs to the caller.
func (e *Engine) Check(ctx context.Context, principalID int64, className string, resourceID int64, required Level) Decision {
	started := time.Now()
	decision := e.resolveCheck(ctx, principalID, className, resourceID, required)
	e.metrics.observeCheck(className, decision.Outcome, time.Since(started))
	e.logger.Debug("access check",
		slog.Int64("principal_id", principalID),
		slog.String("class", className),
		slog.Int64("resource_id", resourceID),
		slog.String("level", required.String()),
		slog.String("outcome", decision.Outcome.String()),
		slog.String("reason", decision.Reason))
	return decision
}

func (e *Engine) resolveCheck(ctx context.Context, principalID int64, className string, resourceID int64, required Level) Decision {
	if !required.Valid() {
		return failed("invalid level", fmt.Errorf("authz: invalid permission level %d", uint8(required)))
	}

	kind := e.identity.classify(principalID)
	if kind == IdentityRoot {
		return granted(reasonRoot)
	}

	class, ok := e.registry.Lookup(className)
	if !ok {
		return failed("unknown class", fmt.Errorf("%w: %q", ErrUnknownClass, className))
	}
	if class.Policy != nil {
		return class.Policy.Check(ctx, e, principalID, class, resourceID, required)
	}

	res, err := e.store.FetchResource(ctx, class, resourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return notFound(reasonNotFound)
		}
		return failed("fetch resource", fmt.Errorf("authz: fetch resource %s/%d: %w", class.Name, resourceID, err))
	}
	if res.Deleted() {
		return notFound(reasonNotFound)
	}

	if class.SystemProtected {
		if required >= LevelEdit && !kind.System() {
			return denied(reasonSystemProtected)
		}
		if required == LevelView {
			return granted(reasonSystemReadable)
		}
	}

	// Template-owned resources are shared: anyone may view, execute, copy or
	// share them, while edit and delete stay with system identities. The gate
	// runs before the ownership rule so the template identity cannot edit
	// its resources through ownership alone.
	if res.OwnerID == e.cfg.TemplateID {
		switch required {
		case LevelView, LevelExecute, LevelCopy, LevelShare:
			return granted(reasonTemplateShared)
		case LevelEdit, LevelDelete:
			if !kind.System() {
				return denied(reasonTemplateLocked)
			}
		}
	}

	if res.OwnerID == principalID {
		return granted(reasonOwner)
	}

	access, err := e.access.resolve(ctx, principalID)
	if err != nil {
		return failed("resolve principal", err)
	}

	if res.TeamID != nil && access.isAdminTeam(*res.TeamID) {
		return granted(reasonTeamAdmin)
	}

	bits, err := e.grantBits(ctx, class, resourceID, principalID, access)
	if err != nil {
		return failed("fetch grants", err)
	}
	if bits.Satisfies(required) {
		return granted(reasonGrant)
	}

	if len(class.Refs) > 0 {
		decision, done, err := e.checkReferences(ctx, class, resourceID, principalID, required, access)
		if err != nil {
			return failed("resolve references", err)
		}
		if done {
			return decision
		}
	}

	return denied(reasonNoRule)
}

// checkReferences walks the permission reference chain and evaluates each
// link with the same owner, team and grant rules as the resource itself. A
// missing or soft-deleted link ends the chain without a verdict.
func (e *Engine) checkReferences(ctx context.Context, class *ResourceClass, resourceID, principalID int64, required Level, access *principalAccess) (Decision, bool, error) {
	chain, err := e.referenceChain(ctx, class, resourceID)
	if err != nil {
		return Decision{}, false, err
	}
	for _, link := range chain {
		res, err := e.store.FetchResource(ctx, link.class, link.id)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return Decision{}, false, nil
			}
			return Decision{}, false, fmt.Errorf("authz: fetch resource %s/%d: %w", link.class.Name, link.id, err)
		}
		if res.Deleted() {
			return Decision{}, false, nil
		}
		if res.OwnerID == principalID {
			return granted(reasonReference), true, nil
		}
		if res.TeamID != nil && access.isAdminTeam(*res.TeamID) {
			return granted(reasonReference), true, nil
		}
		bits, err := e.grantBits(ctx, link.class, link.id, principalID, access)
		if err != nil {
			return Decision{}, false, err
		}
		if bits.Satisfies(required) {
			return granted(reasonReference), true, nil
		}
	}
	return Decision{}, false, nil
}

// grantBits ORs together the bits of every active grant on one resource
// whose scope matches the principal, their roles, or their teams.
func (e *Engine) grantBits(ctx context.Context, class *ResourceClass, resourceID, principalID int64, access *principalAccess) (LevelSet, error) {
	grants, err := e.store.FetchGrants(ctx, class, resourceID)
	if err != nil {
		return 0, fmt.Errorf("authz: fetch grants %s/%d: %w", class.Name, resourceID, err)
	}
	now := e.clock()
	var bits LevelSet
	for _, g := range grants {
		if !g.ActiveAt(now) {
			continue
		}
		switch {
		case g.UserID != nil && *g.UserID == principalID:
		case g.RoleID != nil && access.hasRole(*g.RoleID):
		case g.TeamID != nil && access.hasTeam(*g.TeamID):
		default:
			continue
		}
		bits = bits.Union(g.Bits())
	}
	return bits, nil
}

// CheckCreate decides whether a principal may create a resource of a class.
// Classes delegate creation through their CreateRef: creating an instance
// requires edit permission on the referenced resource. Classes without a
// CreateRef deny creation so hosts must model the rule explicitly.
func (e *Engine) CheckCreate(ctx context.Context, principalID int64, className string, parentID int64) Decision {
	if e.identity.classify(principalID) == IdentityRoot {
		return granted(reasonRoot)
	}
	class, ok := e.registry.Lookup(className)
	if !ok {
		return failed("unknown class", fmt.Errorf("%w: %q", ErrUnknownClass, className))
	}
	if class.CreateRef == nil {
		return denied("create not delegated")
	}
	return e.Check(ctx, principalID, class.CreateRef.Class, parentID, LevelEdit)
}
