// Package authz decides whether principals may act on resources.
//
// A single Engine answers two questions. Check reports whether one principal
// holds a required permission Level on one resource. GenerateFilter produces
// a SQL predicate selecting every resource of a class the principal could
// access at that level, so list queries and single-resource checks agree.
//
// Both answers combine resource ownership, explicit grants scoped to users,
// teams or roles, bounded team and role hierarchies, and permission
// references that let a resource defer to the resource it belongs to. The
// engine owns no storage; hosts inject data access through the Store
// interface and describe their entity tables with a Registry of
// ResourceClass descriptors.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Engine resolves access decisions. It is safe for concurrent use; all
// internal caches are swapped atomically.
type Engine struct {
	cfg      Config
	store    Store
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time

	identity *classifier
	roles    *roleResolver
	access   *accessResolver
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock injects the time source used for grant expiry and cache aging.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New builds an Engine. The config identity ids are validated, zero-valued
// tunables get their defaults, and every reference declared in the registry
// must point at a registered class.
func New(cfg Config, store Store, registry *Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("authz: new: nil store")
	}
	if registry == nil {
		return nil, errors.New("authz: new: nil registry")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateReferences(registry); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.identity = &classifier{
		rootID:     cfg.RootID,
		systemID:   cfg.SystemID,
		templateID: cfg.TemplateID,
		logger:     e.logger,
	}
	e.roles = newRoleResolver(store, cfg, e.logger, e.metrics, e.clock)
	e.access = newAccessResolver(store, e.roles, cfg, e.logger, e.metrics, e.clock)
	return e, nil
}

func validateReferences(registry *Registry) error {
	for _, name := range registry.Names() {
		c, _ := registry.Lookup(name)
		for _, ref := range c.Refs {
			if _, ok := registry.Lookup(ref.Class); !ok {
				return fmt.Errorf("authz: class %q references unregistered class %q", c.Name, ref.Class)
			}
		}
		if c.CreateRef != nil {
			if _, ok := registry.Lookup(c.CreateRef.Class); !ok {
				return fmt.Errorf("authz: class %q create reference targets unregistered class %q", c.Name, c.CreateRef.Class)
			}
		}
	}
	return nil
}

// Registry returns the class registry the engine was built with.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Classify reports which identity kind a principal id maps to.
func (e *Engine) Classify(principalID int64) IdentityKind {
	return e.identity.classify(principalID)
}

// RoleLevel returns a role's hierarchy level, the number of ancestors above
// it. ok is false for roles the snapshot does not contain.
func (e *Engine) RoleLevel(ctx context.Context, roleID int64) (level int, ok bool, err error) {
	snap, err := e.roles.snapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	level, ok = snap.levelOf(roleID)
	return level, ok, nil
}

// EffectiveRoles returns the sorted closure of roles the principal holds:
// their global role, every membership role, and all their ancestors.
func (e *Engine) EffectiveRoles(ctx context.Context, principalID int64) ([]int64, error) {
	access, err := e.access.resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(access.roleList), nil
}

// PrincipalTeams returns the sorted teams a principal belongs to or
// administers, including teams reached through the hierarchy.
func (e *Engine) PrincipalTeams(ctx context.Context, principalID int64) ([]int64, error) {
	access, err := e.access.resolve(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(access.teamList), nil
}

// TeamAncestors returns a team's parent chain, nearest first, bounded by the
// configured team depth.
func (e *Engine) TeamAncestors(ctx context.Context, teamID int64) ([]int64, error) {
	return e.access.ancestors(ctx, teamID)
}

// InvalidateCaches drops the role snapshot and every cached principal
// resolution. The next check after a call sees current store data, even if a
// background refresh was already in flight.
func (e *Engine) InvalidateCaches() {
	e.roles.invalidate()
	e.access.invalidate()
}

// Warm pre-builds the role snapshot and the given principals' cached
// resolutions. Per-principal failures are joined, not fatal to the rest.
func (e *Engine) Warm(ctx context.Context, principalIDs []int64) error {
	if _, err := e.roles.snapshot(ctx); err != nil {
		return err
	}
	var errs []error
	for _, principalID := range principalIDs {
		if _, err := e.access.resolve(ctx, principalID); err != nil {
			errs = append(errs, fmt.Errorf("authz: warm principal %d: %w", principalID, err))
		}
	}
	return errors.Join(errs...)
}
