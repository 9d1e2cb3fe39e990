package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rootID     int64 = 1
	systemID   int64 = 2
	templateID int64 = 3

	alice int64 = 10
	bob   int64 = 11
	carol int64 = 12
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockStore struct {
	mu sync.Mutex

	resources    map[string]map[int64]Resource
	roles        []Role
	globalRoles  map[int64]int64
	memberships  map[int64][]Membership
	teamParents  map[int64]int64
	teamChildren map[int64][]int64
	grants       map[string]map[int64][]Grant
	refs         map[string]map[int64]map[string]int64

	// Error injection
	resourceErr    error
	rolesErr       error
	directRoleErr  error
	membershipsErr error
	teamParentErr  error
	childTeamsErr  error
	grantsErr      error
	referenceErr   error

	// Call counters
	roleLoads       int
	membershipLoads int
}

func newMockStore() *mockStore {
	return &mockStore{
		resources:    make(map[string]map[int64]Resource),
		globalRoles:  make(map[int64]int64),
		memberships:  make(map[int64][]Membership),
		teamParents:  make(map[int64]int64),
		teamChildren: make(map[int64][]int64),
		grants:       make(map[string]map[int64][]Grant),
		refs:         make(map[string]map[int64]map[string]int64),
	}
}

func (s *mockStore) addResource(class string, res Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[class] == nil {
		s.resources[class] = make(map[int64]Resource)
	}
	s.resources[class][res.ID] = res
}

func (s *mockStore) setRoles(roles ...Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
}

func (s *mockStore) setGlobalRole(principalID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalRoles[principalID] = roleID
}

func (s *mockStore) addMembership(principalID, teamID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[principalID] = append(s.memberships[principalID], Membership{TeamID: teamID, RoleID: roleID})
}

func (s *mockStore) clearMemberships(principalID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, principalID)
}

func (s *mockStore) linkTeam(parentID, childID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamParents[childID] = parentID
	s.teamChildren[parentID] = append(s.teamChildren[parentID], childID)
}

func (s *mockStore) addGrant(class string, g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[class] == nil {
		s.grants[class] = make(map[int64][]Grant)
	}
	s.grants[class][g.ResourceID] = append(s.grants[class][g.ResourceID], g)
}

func (s *mockStore) setRef(class string, id int64, column string, target int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[class] == nil {
		s.refs[class] = make(map[int64]map[string]int64)
	}
	if s.refs[class][id] == nil {
		s.refs[class][id] = make(map[string]int64)
	}
	s.refs[class][id][column] = target
}

func (s *mockStore) roleLoadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleLoads
}

func (s *mockStore) membershipLoadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membershipLoads
}

func (s *mockStore) FetchResource(_ context.Context, class *ResourceClass, id int64) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resourceErr != nil {
		return Resource{}, s.resourceErr
	}
	res, ok := s.resources[class.Name][id]
	if !ok {
		return Resource{}, fmt.Errorf("%s/%d: %w", class.Name, id, ErrResourceNotFound)
	}
	return res, nil
}

func (s *mockStore) FetchAllRoles(context.Context) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleLoads++
	if s.rolesErr != nil {
		return nil, s.rolesErr
	}
	return slices.Clone(s.roles), nil
}

func (s *mockStore) FetchDirectRole(_ context.Context, principalID int64, teamID *int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.directRoleErr != nil {
		return 0, false, s.directRoleErr
	}
	if teamID == nil {
		roleID, ok := s.globalRoles[principalID]
		return roleID, ok, nil
	}
	for _, m := range s.memberships[principalID] {
		if m.TeamID == *teamID {
			return m.RoleID, true, nil
		}
	}
	return 0, false, nil
}

func (s *mockStore) FetchMemberships(_ context.Context, principalID int64) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membershipLoads++
	if s.membershipsErr != nil {
		return nil, s.membershipsErr
	}
	return slices.Clone(s.memberships[principalID]), nil
}

func (s *mockStore) FetchTeamParent(_ context.Context, teamID int64) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teamParentErr != nil {
		return nil, s.teamParentErr
	}
	parent, ok := s.teamParents[teamID]
	if !ok {
		return nil, nil
	}
	return &parent, nil
}

func (s *mockStore) FetchChildTeams(_ context.Context, teamID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.childTeamsErr != nil {
		return nil, s.childTeamsErr
	}
	return slices.Clone(s.teamChildren[teamID]), nil
}

func (s *mockStore) FetchGrants(_ context.Context, class *ResourceClass, id int64) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantsErr != nil {
		return nil, s.grantsErr
	}
	return slices.Clone(s.grants[class.Name][id]), nil
}

func (s *mockStore) FetchReference(_ context.Context, class *ResourceClass, id int64, column string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.referenceErr != nil {
		return 0, false, s.referenceErr
	}
	target, ok := s.refs[class.Name][id][column]
	return target, ok, nil
}

// ============================================================================
// FIXTURES
// ============================================================================

// standardRegistry covers the shapes the engine distinguishes: a class with a
// reference and delegated creation, a self-referential class, and a
// system-protected class.
func standardRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(
		&ResourceClass{
			Name:      "documents",
			Refs:      []Reference{{Column: "folder_id", Class: "folders"}},
			CreateRef: &Reference{Column: "folder_id", Class: "folders"},
		},
		&ResourceClass{
			Name: "folders",
			Refs: []Reference{{Column: "parent_id", Class: "folders"}},
		},
		&ResourceClass{Name: "settings", SystemProtected: true},
	)
	require.NoError(t, err)
	return registry
}

func testConfig() Config {
	return Config{RootID: rootID, SystemID: systemID, TemplateID: templateID}
}

func newCustomEngine(t *testing.T, store Store, registry *Registry, cfg Config, opts ...Option) *Engine {
	t.Helper()
	engine, err := New(cfg, store, registry, opts...)
	require.NoError(t, err)
	return engine
}

func newTestEngine(t *testing.T, store *mockStore, opts ...Option) *Engine {
	t.Helper()
	return newCustomEngine(t, store, standardRegistry(t), testConfig(), opts...)
}

// adminRoleChain installs roles 50 -> 51 -> 52 so that role 52 sits at
// hierarchy level 2, the default admin threshold.
func adminRoleChain(store *mockStore) {
	store.setRoles(
		Role{ID: 50},
		Role{ID: 51, ParentID: ptr(int64(50))},
		Role{ID: 52, ParentID: ptr(int64(51))},
	)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ptr[T any](v T) *T {
	return &v
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

func TestNewValidation(t *testing.T) {
	store := newMockStore()
	registry := standardRegistry(t)

	_, err := New(testConfig(), nil, registry)
	require.Error(t, err)

	_, err = New(testConfig(), store, nil)
	require.Error(t, err)

	_, err = New(Config{}, store, registry)
	require.Error(t, err)

	_, err = New(Config{RootID: 1, SystemID: 1, TemplateID: 3}, store, registry)
	require.Error(t, err)
}

func TestNewRejectsUnregisteredReferences(t *testing.T) {
	store := newMockStore()

	registry, err := NewRegistry(&ResourceClass{
		Name: "documents",
		Refs: []Reference{{Column: "folder_id", Class: "folders"}},
	})
	require.NoError(t, err)

	_, err = New(testConfig(), store, registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folders")

	registry, err = NewRegistry(&ResourceClass{
		Name:      "documents",
		CreateRef: &Reference{Column: "folder_id", Class: "folders"},
	})
	require.NoError(t, err)

	_, err = New(testConfig(), store, registry)
	require.Error(t, err)
}

func TestNewAppliesConfigDefaults(t *testing.T) {
	engine := newTestEngine(t, newMockStore())

	assert.Equal(t, DefaultCacheTTL, engine.cfg.CacheTTL)
	assert.Equal(t, DefaultMaxReferenceDepth, engine.cfg.MaxReferenceDepth)
	assert.Equal(t, DefaultGrantTable, engine.cfg.GrantTable)
}

// ============================================================================
// PRINCIPAL SURFACE
// ============================================================================

func TestClassify(t *testing.T) {
	engine := newTestEngine(t, newMockStore())

	assert.Equal(t, IdentityRoot, engine.Classify(rootID))
	assert.Equal(t, IdentitySystem, engine.Classify(systemID))
	assert.Equal(t, IdentityTemplate, engine.Classify(templateID))
	assert.Equal(t, IdentityRegular, engine.Classify(alice))
	assert.Equal(t, IdentityRegular, engine.Classify(0))
	assert.Equal(t, IdentityRegular, engine.Classify(-7))
}

func TestEffectiveRoles(t *testing.T) {
	store := newMockStore()
	store.setRoles(
		Role{ID: 50},
		Role{ID: 51, ParentID: ptr(int64(50))},
		Role{ID: 60},
	)
	store.setGlobalRole(alice, 51)
	store.addMembership(alice, 70, 60)
	engine := newTestEngine(t, store)

	roles, err := engine.EffectiveRoles(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{50, 51, 60}, roles)
}

func TestEffectiveRolesEmpty(t *testing.T) {
	engine := newTestEngine(t, newMockStore())

	roles, err := engine.EffectiveRoles(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestPrincipalTeams(t *testing.T) {
	store := newMockStore()
	adminRoleChain(store)
	store.addMembership(alice, 70, 50)
	store.addMembership(alice, 80, 52)
	store.linkTeam(80, 81)
	engine := newTestEngine(t, store)

	teams, err := engine.PrincipalTeams(context.Background(), alice)
	require.NoError(t, err)
	// 70 by membership, 80 by admin membership, 81 as administered descendant.
	assert.Equal(t, []int64{70, 80, 81}, teams)
}

func TestTeamAncestors(t *testing.T) {
	store := newMockStore()
	store.linkTeam(79, 80)
	store.linkTeam(80, 81)
	engine := newTestEngine(t, store)

	ancestors, err := engine.TeamAncestors(context.Background(), 81)
	require.NoError(t, err)
	assert.Equal(t, []int64{80, 79}, ancestors)

	ancestors, err = engine.TeamAncestors(context.Background(), 79)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestRoleLevel(t *testing.T) {
	store := newMockStore()
	adminRoleChain(store)
	engine := newTestEngine(t, store)
	ctx := context.Background()

	level, ok, err := engine.RoleLevel(ctx, 52)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, level)

	_, ok, err = engine.RoleLevel(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// CACHING
// ============================================================================

func TestWarmPrimesCaches(t *testing.T) {
	store := newMockStore()
	store.addMembership(alice, 70, 50)
	store.addMembership(bob, 70, 50)
	store.setRoles(Role{ID: 50})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, engine.Warm(ctx, []int64{alice, bob}))
	assert.Equal(t, 1, store.roleLoadCount())
	assert.Equal(t, 2, store.membershipLoadCount())

	// Warm resolutions serve later calls without touching the store.
	_, err := engine.PrincipalTeams(ctx, alice)
	require.NoError(t, err)
	_, err = engine.EffectiveRoles(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, store.membershipLoadCount())
}

func TestWarmJoinsPerPrincipalFailures(t *testing.T) {
	store := newMockStore()
	store.membershipsErr = errors.New("memberships down")
	engine := newTestEngine(t, store)

	err := engine.Warm(context.Background(), []int64{alice, bob})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warm principal 10")
	assert.Contains(t, err.Error(), "warm principal 11")
}

func TestInvalidateCachesImmediateEffect(t *testing.T) {
	store := newMockStore()
	adminRoleChain(store)
	store.addMembership(alice, 80, 52)
	store.addResource("documents", Resource{ID: 100, OwnerID: bob, TeamID: ptr(int64(80))})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	decision := engine.Check(ctx, alice, "documents", 100, LevelEdit)
	require.True(t, decision.Allowed())

	// The membership is revoked in the store, but the cached resolution
	// still answers until the host signals the change.
	store.clearMemberships(alice)
	decision = engine.Check(ctx, alice, "documents", 100, LevelEdit)
	require.True(t, decision.Allowed())

	engine.InvalidateCaches()
	decision = engine.Check(ctx, alice, "documents", 100, LevelEdit)
	assert.Equal(t, OutcomeDenied, decision.Outcome)
}

func TestInvalidateCachesRefreshesRoles(t *testing.T) {
	store := newMockStore()
	store.setRoles(Role{ID: 50}, Role{ID: 51, ParentID: ptr(int64(50))})
	store.setGlobalRole(alice, 51)
	store.addResource("documents", Resource{ID: 100, OwnerID: bob})
	store.addGrant("documents", Grant{RoleID: ptr(int64(50)), ResourceType: "documents", ResourceID: 100, View: true})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	decision := engine.Check(ctx, alice, "documents", 100, LevelView)
	require.True(t, decision.Allowed())

	// Detach role 51 from its parent; the grant on role 50 no longer
	// reaches alice once the snapshot is rebuilt.
	store.setRoles(Role{ID: 50}, Role{ID: 51})
	decision = engine.Check(ctx, alice, "documents", 100, LevelView)
	require.True(t, decision.Allowed())

	engine.InvalidateCaches()
	decision = engine.Check(ctx, alice, "documents", 100, LevelView)
	assert.Equal(t, OutcomeDenied, decision.Outcome)
}

func TestCacheTTLServesStaleThenRefreshes(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMockStore()
	adminRoleChain(store)
	store.addMembership(alice, 80, 52)
	store.addResource("documents", Resource{ID: 100, OwnerID: bob, TeamID: ptr(int64(80))})
	engine := newTestEngine(t, store, WithClock(clock.Now))
	ctx := context.Background()

	require.True(t, engine.Check(ctx, alice, "documents", 100, LevelEdit).Allowed())
	require.Equal(t, 1, store.membershipLoadCount())

	require.True(t, engine.Check(ctx, alice, "documents", 100, LevelEdit).Allowed())
	require.Equal(t, 1, store.membershipLoadCount())

	store.clearMemberships(alice)
	clock.Advance(DefaultCacheTTL + time.Second)

	// The expired entry keeps answering while the refresh runs in the
	// background, so this check may still see the old resolution.
	engine.Check(ctx, alice, "documents", 100, LevelEdit)
	require.Eventually(t, func() bool {
		return store.membershipLoadCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	decision := engine.Check(ctx, alice, "documents", 100, LevelEdit)
	assert.Equal(t, OutcomeDenied, decision.Outcome)
}

func TestConcurrentChecksAndInvalidations(t *testing.T) {
	store := newMockStore()
	adminRoleChain(store)
	store.addMembership(alice, 80, 52)
	store.addResource("documents", Resource{ID: 100, OwnerID: bob, TeamID: ptr(int64(80))})
	engine := newTestEngine(t, store)
	ctx := context.Background()

	var failures atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !engine.Check(ctx, alice, "documents", 100, LevelEdit).Allowed() {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			engine.InvalidateCaches()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := engine.GenerateFilter(ctx, alice, "documents", LevelView); err != nil {
				failures.Add(1)
			}
		}
	}()
	wg.Wait()

	assert.Zero(t, failures.Load())
}
