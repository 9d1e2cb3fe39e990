package authz

import (
	"context"
	"fmt"
	"log/slog"
)

// refLink is one hop of a permission reference chain.
type refLink struct {
	class *ResourceClass
	id    int64
}

type refKey struct {
	class string
	id    int64
}

// referenceChain walks permission references starting at the given resource.
// Each hop follows the first declared reference that resolves to a non-NULL
// id; the walk stops at a resource without resolvable references, at the
// depth limit, or when a hop revisits a resource already on the chain.
func (e *Engine) referenceChain(ctx context.Context, class *ResourceClass, id int64) ([]refLink, error) {
	chain := make([]refLink, 0, 4)
	visited := map[refKey]struct{}{{class: class.Name, id: id}: {}}
	current := refLink{class: class, id: id}

	for hop := 0; hop < e.cfg.MaxReferenceDepth; hop++ {
		next, ok, err := e.nextReference(ctx, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return chain, nil
		}
		key := refKey{class: next.class.Name, id: next.id}
		if _, dup := visited[key]; dup {
			e.logger.Warn("permission reference cycle",
				slog.String("class", class.Name),
				slog.Int64("resource_id", id),
				slog.String("repeated_class", next.class.Name),
				slog.Int64("repeated_id", next.id))
			e.metrics.observeAnomaly("reference_cycle")
			return chain, nil
		}
		visited[key] = struct{}{}
		chain = append(chain, next)
		current = next
	}

	if len(current.class.Refs) > 0 {
		e.logger.Warn("permission reference chain stopped at depth limit",
			slog.String("class", class.Name),
			slog.Int64("resource_id", id),
			slog.Int("max_depth", e.cfg.MaxReferenceDepth))
		e.metrics.observeAnomaly("reference_depth")
	}
	return chain, nil
}

// nextReference resolves the first reference of a link that points somewhere.
// A NULL column or a missing row just moves on to the next declared
// reference.
func (e *Engine) nextReference(ctx context.Context, from refLink) (refLink, bool, error) {
	for _, ref := range from.class.Refs {
		target, ok := e.registry.Lookup(ref.Class)
		if !ok {
			e.logger.Warn("permission reference to unregistered class",
				slog.String("class", from.class.Name),
				slog.String("column", ref.Column),
				slog.String("target_class", ref.Class))
			continue
		}
		refID, ok, err := e.store.FetchReference(ctx, from.class, from.id, ref.Column)
		if err != nil {
			return refLink{}, false, fmt.Errorf("authz: fetch reference %s.%s: %w", from.class.Name, ref.Column, err)
		}
		if !ok {
			continue
		}
		return refLink{class: target, id: refID}, true, nil
	}
	return refLink{}, false, nil
}
