package authz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const cachePrincipal = "principal"

// principalAccess is the cached resolution of one principal: the closure of
// roles they hold anywhere, the teams they belong to, and the teams they
// administer through the team hierarchy. Entries are immutable; refreshes
// replace the whole value.
type principalAccess struct {
	roles       map[int64]struct{}
	memberTeams map[int64]struct{}
	adminTeams  map[int64]struct{}

	// roleList, teamList and adminList are the sorted map contents, ready to
	// become SQL array arguments.
	roleList  []int64
	teamList  []int64
	adminList []int64

	builtAt time.Time
}

func (p *principalAccess) hasRole(roleID int64) bool {
	_, ok := p.roles[roleID]
	return ok
}

func (p *principalAccess) isAdminTeam(teamID int64) bool {
	_, ok := p.adminTeams[teamID]
	return ok
}

// hasTeam reports whether a team-scoped grant applies: the principal is a
// member of the team or administers it.
func (p *principalAccess) hasTeam(teamID int64) bool {
	if _, ok := p.memberTeams[teamID]; ok {
		return true
	}
	_, ok := p.adminTeams[teamID]
	return ok
}

// accessResolver caches principalAccess entries keyed by principal id. Like
// the role snapshot, an expired entry keeps serving while one flight per
// principal rebuilds it.
type accessResolver struct {
	store      Store
	roles      *roleResolver
	ttl        time.Duration
	teamDepth  int
	roleDepth  int
	adminLevel int
	logger     *slog.Logger
	metrics    *Metrics
	clock      func() time.Time

	entries sync.Map // int64 -> *principalAccess
	group   singleflight.Group
	gen     atomic.Int64
}

func newAccessResolver(store Store, roles *roleResolver, cfg Config, logger *slog.Logger, metrics *Metrics, clock func() time.Time) *accessResolver {
	return &accessResolver{
		store:      store,
		roles:      roles,
		ttl:        cfg.CacheTTL,
		teamDepth:  cfg.MaxTeamDepth,
		roleDepth:  cfg.MaxRoleDepth,
		adminLevel: cfg.AdminRoleLevel,
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
	}
}

func (a *accessResolver) fresh(p *principalAccess) bool {
	return a.clock().Sub(p.builtAt) < a.ttl
}

func (a *accessResolver) resolve(ctx context.Context, principalID int64) (*principalAccess, error) {
	var stale *principalAccess
	if v, ok := a.entries.Load(principalID); ok {
		entry := v.(*principalAccess)
		if a.fresh(entry) {
			a.metrics.observeLookup(cachePrincipal, true)
			return entry, nil
		}
		stale = entry
	}
	a.metrics.observeLookup(cachePrincipal, false)

	gen := a.gen.Load()
	flightCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(fmt.Sprintf("principal:%d:%d", gen, principalID), func() (any, error) {
		if v, ok := a.entries.Load(principalID); ok {
			if entry := v.(*principalAccess); a.fresh(entry) {
				return entry, nil
			}
		}
		entry, err := a.build(flightCtx, principalID)
		if err != nil {
			a.logger.Error("principal access rebuild failed",
				slog.Int64("principal_id", principalID),
				slog.Any("error", err))
			return nil, err
		}
		if a.gen.Load() == gen {
			a.entries.Store(principalID, entry)
		}
		return entry, nil
	})

	if stale != nil {
		select {
		case res := <-ch:
			if res.Err != nil {
				return stale, nil
			}
			return res.Val.(*principalAccess), nil
		default:
			return stale, nil
		}
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*principalAccess), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("authz: principal access: %w", ctx.Err())
	}
}

func (a *accessResolver) build(ctx context.Context, principalID int64) (*principalAccess, error) {
	snap, err := a.roles.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entry := &principalAccess{
		roles:       make(map[int64]struct{}),
		memberTeams: make(map[int64]struct{}),
		adminTeams:  make(map[int64]struct{}),
		builtAt:     a.clock(),
	}

	globalRole, ok, err := a.store.FetchDirectRole(ctx, principalID, nil)
	if err != nil {
		return nil, fmt.Errorf("authz: fetch global role: %w", err)
	}
	if ok {
		a.addRoleChain(entry, snap, globalRole)
	}

	memberships, err := a.store.FetchMemberships(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("authz: fetch memberships: %w", err)
	}

	adminSeeds := make([]int64, 0, len(memberships))
	for _, m := range memberships {
		entry.memberTeams[m.TeamID] = struct{}{}
		a.addRoleChain(entry, snap, m.RoleID)
		if level, known := snap.levelOf(m.RoleID); known && level >= a.adminLevel {
			adminSeeds = append(adminSeeds, m.TeamID)
		}
	}

	if err := a.expandAdminTeams(ctx, entry, adminSeeds); err != nil {
		return nil, err
	}

	entry.roleList = sortedKeys(entry.roles)
	entry.adminList = sortedKeys(entry.adminTeams)
	teamUnion := make(map[int64]struct{}, len(entry.memberTeams)+len(entry.adminTeams))
	for id := range entry.memberTeams {
		teamUnion[id] = struct{}{}
	}
	for id := range entry.adminTeams {
		teamUnion[id] = struct{}{}
	}
	entry.teamList = sortedKeys(teamUnion)
	a.metrics.observeRebuild(cachePrincipal)
	return entry, nil
}

func (a *accessResolver) addRoleChain(entry *principalAccess, snap *roleSnapshot, roleID int64) {
	for _, id := range snap.chain(roleID, a.roleDepth) {
		entry.roles[id] = struct{}{}
	}
}

// expandAdminTeams walks the team hierarchy downward from the teams the
// principal administers directly. Breadth first, bounded by teamDepth hops;
// the visited set makes shared subtrees and accidental cycles harmless.
func (a *accessResolver) expandAdminTeams(ctx context.Context, entry *principalAccess, seeds []int64) error {
	frontier := make([]int64, 0, len(seeds))
	for _, teamID := range seeds {
		if _, dup := entry.adminTeams[teamID]; dup {
			continue
		}
		entry.adminTeams[teamID] = struct{}{}
		frontier = append(frontier, teamID)
	}

	for depth := 0; depth < a.teamDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, teamID := range frontier {
			children, err := a.store.FetchChildTeams(ctx, teamID)
			if err != nil {
				return fmt.Errorf("authz: fetch child teams: %w", err)
			}
			for _, child := range children {
				if _, dup := entry.adminTeams[child]; dup {
					continue
				}
				entry.adminTeams[child] = struct{}{}
				next = append(next, child)
			}
		}
		frontier = next
	}

	if len(frontier) > 0 {
		a.logger.Warn("team reachability stopped at depth limit",
			slog.Int("max_depth", a.teamDepth),
			slog.Int("boundary_teams", len(frontier)))
		a.metrics.observeAnomaly("team_depth")
	}
	return nil
}

// ancestors walks a team's parent chain, nearest first. Cycles are cut and
// reported.
func (a *accessResolver) ancestors(ctx context.Context, teamID int64) ([]int64, error) {
	out := make([]int64, 0, 4)
	seen := map[int64]struct{}{teamID: {}}
	current := teamID
	for hop := 0; hop < a.teamDepth; hop++ {
		parent, err := a.store.FetchTeamParent(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("authz: fetch team parent: %w", err)
		}
		if parent == nil {
			return out, nil
		}
		if _, dup := seen[*parent]; dup {
			a.logger.Warn("team hierarchy cycle",
				slog.Int64("team_id", teamID),
				slog.Int64("repeated_id", *parent))
			a.metrics.observeAnomaly("team_cycle")
			return out, nil
		}
		seen[*parent] = struct{}{}
		out = append(out, *parent)
		current = *parent
	}
	return out, nil
}

// invalidate forgets every cached principal.
func (a *accessResolver) invalidate() {
	a.gen.Add(1)
	a.entries.Clear()
}

func sortedKeys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
