package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheRoles = "roles"

// roleSnapshot is an immutable view of the whole role hierarchy. Checks read
// whichever snapshot is current; rebuilds swap the pointer wholesale so a
// reader never observes a half-built map.
type roleSnapshot struct {
	parents map[int64]int64
	levels  map[int64]int
	builtAt time.Time
}

// levelOf returns a role's distance from its hierarchy root.
func (s *roleSnapshot) levelOf(roleID int64) (int, bool) {
	level, ok := s.levels[roleID]
	return level, ok
}

// chain returns the role followed by its ancestors, nearest first, bounded by
// maxDepth hops and cut at the first repeated role.
func (s *roleSnapshot) chain(roleID int64, maxDepth int) []int64 {
	out := make([]int64, 0, 4)
	seen := make(map[int64]struct{}, 4)
	current := roleID
	for hop := 0; hop <= maxDepth; hop++ {
		if _, dup := seen[current]; dup {
			break
		}
		seen[current] = struct{}{}
		out = append(out, current)
		parent, ok := s.parents[current]
		if !ok {
			break
		}
		current = parent
	}
	return out
}

// roleResolver maintains the cached role snapshot. The snapshot ages out
// after the configured TTL; an expired snapshot keeps serving reads while a
// single background rebuild replaces it, so checks never block on a refresh
// they did not trigger.
type roleResolver struct {
	store    Store
	ttl      time.Duration
	maxDepth int
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time

	snap  atomic.Pointer[roleSnapshot]
	group singleflight.Group
	gen   atomic.Int64
}

func newRoleResolver(store Store, cfg Config, logger *slog.Logger, metrics *Metrics, clock func() time.Time) *roleResolver {
	return &roleResolver{
		store:    store,
		ttl:      cfg.CacheTTL,
		maxDepth: cfg.MaxRoleDepth,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
	}
}

func (r *roleResolver) fresh(s *roleSnapshot) bool {
	return r.clock().Sub(s.builtAt) < r.ttl
}

// snapshot returns a usable role snapshot, rebuilding when none exists. The
// generation counter is folded into the flight key so a rebuild started
// before InvalidateCaches can never be mistaken for a fresh one.
func (r *roleResolver) snapshot(ctx context.Context) (*roleSnapshot, error) {
	if s := r.snap.Load(); s != nil && r.fresh(s) {
		r.metrics.observeLookup(cacheRoles, true)
		return s, nil
	}
	r.metrics.observeLookup(cacheRoles, false)

	stale := r.snap.Load()
	gen := r.gen.Load()
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(fmt.Sprintf("roles:%d", gen), func() (any, error) {
		if s := r.snap.Load(); s != nil && r.fresh(s) {
			return s, nil
		}
		s, err := r.rebuild(flightCtx)
		if err != nil {
			r.logger.Error("role snapshot rebuild failed", slog.Any("error", err))
			return nil, err
		}
		if r.gen.Load() == gen {
			r.snap.Store(s)
		}
		return s, nil
	})

	if stale != nil {
		// Serve the expired snapshot rather than blocking on the refresh.
		select {
		case res := <-ch:
			if res.Err != nil {
				return stale, nil
			}
			return res.Val.(*roleSnapshot), nil
		default:
			return stale, nil
		}
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*roleSnapshot), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("authz: role snapshot: %w", ctx.Err())
	}
}

func (r *roleResolver) rebuild(ctx context.Context) (*roleSnapshot, error) {
	roles, err := r.store.FetchAllRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: fetch roles: %w", err)
	}
	r.metrics.observeRebuild(cacheRoles)
	return r.build(roles), nil
}

// build derives each role's hierarchy level by walking its parent chain.
// Cycles and over-deep chains are truncated and reported, never fatal.
func (r *roleResolver) build(roles []Role) *roleSnapshot {
	s := &roleSnapshot{
		parents: make(map[int64]int64, len(roles)),
		levels:  make(map[int64]int, len(roles)),
		builtAt: r.clock(),
	}
	known := make(map[int64]struct{}, len(roles))
	for _, role := range roles {
		known[role.ID] = struct{}{}
		if role.ParentID != nil {
			s.parents[role.ID] = *role.ParentID
		}
	}
	for _, role := range roles {
		level := 0
		seen := map[int64]struct{}{role.ID: {}}
		current := role.ID
		for {
			parent, ok := s.parents[current]
			if !ok {
				break
			}
			if _, exists := known[parent]; !exists {
				// Dangling parent id; treat the chain as ending here.
				break
			}
			if _, dup := seen[parent]; dup {
				r.logger.Warn("role hierarchy cycle",
					slog.Int64("role_id", role.ID),
					slog.Int64("repeated_id", parent))
				r.metrics.observeAnomaly("role_cycle")
				break
			}
			level++
			if level >= r.maxDepth {
				r.logger.Warn("role parent chain exceeds depth limit",
					slog.Int64("role_id", role.ID),
					slog.Int("max_depth", r.maxDepth))
				r.metrics.observeAnomaly("role_depth")
				break
			}
			seen[parent] = struct{}{}
			current = parent
		}
		s.levels[role.ID] = level
	}
	return s
}

// invalidate drops the snapshot so the next read rebuilds from the store.
// Bumping the generation first makes any in-flight rebuild unable to publish
// pre-invalidation data.
func (r *roleResolver) invalidate() {
	r.gen.Add(1)
	r.snap.Store(nil)
}
