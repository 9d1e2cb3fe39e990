package authz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// GenerateFilter builds a predicate selecting every row of a class the
// principal could access at the required level. The result composes into a
// host query with squirrel's And, so list endpoints and single-resource
// checks give consistent answers. Columns are qualified with the class table
// name; use GenerateFilterAs when the host query aliases the table.
//
// Array-valued arguments ([]int64) rely on the driver encoding them as SQL
// arrays, which pgx does natively.
func (e *Engine) GenerateFilter(ctx context.Context, principalID int64, className string, required Level) (sq.Sqlizer, error) {
	return e.GenerateFilterAs(ctx, principalID, className, "", required)
}

// GenerateFilterAs is GenerateFilter with an explicit table alias.
func (e *Engine) GenerateFilterAs(ctx context.Context, principalID int64, className, alias string, required Level) (sq.Sqlizer, error) {
	if !required.Valid() {
		return nil, fmt.Errorf("authz: invalid permission level %d", uint8(required))
	}
	class, ok := e.registry.Lookup(className)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}

	kind := e.identity.classify(principalID)
	if kind == IdentityRoot {
		return sq.Expr("TRUE"), nil
	}

	if class.Policy != nil {
		return class.Policy.Filter(ctx, e, principalID, class, alias, required)
	}

	table := alias
	if table == "" {
		table = class.Table
	}
	notDeleted := sq.Eq{table + "." + ColumnDeletedAt: nil}

	if class.SystemProtected {
		if required >= LevelEdit && !kind.System() {
			return sq.Expr("FALSE"), nil
		}
		if required == LevelView {
			return notDeleted, nil
		}
	}

	access, err := e.access.resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}

	b := &filterBuilder{
		engine:      e,
		access:      access,
		principalID: principalID,
		required:    required,
		now:         e.clock(),
	}
	pred := sq.And{notDeleted, sq.Or(b.clauses(class, table, 0, true))}
	if (required == LevelEdit || required == LevelDelete) && !kind.System() {
		pred = append(pred, sq.NotEq{table + "." + ColumnOwnerID: e.cfg.TemplateID})
	}

	e.metrics.observeFilter(class.Name)
	e.logger.Debug("access filter",
		slog.Int64("principal_id", principalID),
		slog.String("class", class.Name),
		slog.String("level", required.String()))
	return pred, nil
}

// filterBuilder accumulates one predicate build. The alias counter keeps
// grant and reference subqueries distinct however deep the nesting goes.
type filterBuilder struct {
	engine      *Engine
	access      *principalAccess
	principalID int64
	required    Level
	now         time.Time
	aliasSeq    int
}

func (b *filterBuilder) nextAlias(prefix string) string {
	b.aliasSeq++
	return fmt.Sprintf("%s%d", prefix, b.aliasSeq)
}

// clauses builds the OR branches for one occurrence of a resource table. The
// base resource additionally carries the template sharing clause; reference
// hops repeat only the owner, team and grant clauses, mirroring link
// evaluation in Check.
func (b *filterBuilder) clauses(class *ResourceClass, table string, depth int, base bool) []sq.Sqlizer {
	out := []sq.Sqlizer{
		sq.Eq{table + "." + ColumnOwnerID: b.principalID},
	}
	if base {
		switch b.required {
		case LevelView, LevelExecute, LevelCopy, LevelShare:
			out = append(out, sq.Eq{table + "." + ColumnOwnerID: b.engine.cfg.TemplateID})
		}
	}
	if len(b.access.adminList) > 0 {
		out = append(out, sq.Expr(table+"."+ColumnTeamID+" = ANY(?)", b.access.adminList))
	}
	out = append(out, b.grantExists(class.Name, table+"."+ColumnID))

	// References are tried in declaration order at check time, so each
	// branch is guarded by the earlier columns being NULL.
	var guards []sq.Sqlizer
	for _, ref := range class.Refs {
		target, ok := b.engine.registry.Lookup(ref.Class)
		if !ok || depth+1 > b.engine.cfg.MaxReferenceDepth {
			continue
		}
		branch := append(slices.Clone(guards), b.refExists(target, table, ref.Column, depth+1))
		out = append(out, sq.And(branch))
		guards = append(guards, sq.Eq{table + "." + ref.Column: nil})
	}
	return out
}

// grantExists matches an active grant row on the resource whose scope covers
// the principal directly, any of their roles, or any of their teams.
func (b *filterBuilder) grantExists(className, idColumn string) sq.Sqlizer {
	g := b.nextAlias("ag")

	scope := sq.Or{sq.Eq{g + ".user_id": b.principalID}}
	if len(b.access.roleList) > 0 {
		scope = append(scope, sq.Expr(g+".role_id = ANY(?)", b.access.roleList))
	}
	if len(b.access.teamList) > 0 {
		scope = append(scope, sq.Expr(g+".team_id = ANY(?)", b.access.teamList))
	}

	levels := sq.Or{}
	for _, l := range Levels() {
		if l >= b.required {
			levels = append(levels, sq.Eq{g + ".allow_" + l.String(): true})
		}
	}

	sub := sq.Select("1").
		From(b.engine.cfg.GrantTable + " AS " + g).
		Where(sq.Eq{g + ".resource_type": className}).
		Where(sq.Expr(g + ".resource_id = " + idColumn)).
		Where(scope).
		Where(levels).
		Where(sq.Or{
			sq.Eq{g + ".expires_at": nil},
			sq.Expr(g+".expires_at > ?", b.now),
		})
	return sq.Expr("EXISTS (?)", sub)
}

// refExists descends one permission reference hop. The referenced row must
// exist and not be soft-deleted, matching the chain walker cutting at dead
// links.
func (b *filterBuilder) refExists(target *ResourceClass, parentTable, column string, depth int) sq.Sqlizer {
	alias := b.nextAlias("pr")
	sub := sq.Select("1").
		From(target.Table + " AS " + alias).
		Where(sq.Expr(alias + "." + ColumnID + " = " + parentTable + "." + column)).
		Where(sq.Eq{alias + "." + ColumnDeletedAt: nil}).
		Where(sq.Or(b.clauses(target, alias, depth, false)))
	return sq.Expr("EXISTS (?)", sub)
}
