package authz

import (
	"fmt"
	"time"
)

// Column conventions shared by every participating table. Resource tables
// expose their primary key, owner, optional team and soft-delete marker under
// these names.
const (
	ColumnID        = "id"
	ColumnOwnerID   = "owner_id"
	ColumnTeamID    = "team_id"
	ColumnDeletedAt = "deleted_at"
)

// Reference names a column holding the id of another resource that access
// checks may fall through to when the resource itself carries no matching
// grant.
type Reference struct {
	// Column is the referencing column on the owning class's table.
	Column string
	// Class is the registry name of the referenced resource class.
	Class string
}

// ResourceClass describes how one entity type participates in access control.
type ResourceClass struct {
	// Name is the registry key and the resource_type stored on grants.
	Name string
	// Table is the backing table. Defaults to Name when registered.
	Table string
	// SystemProtected marks classes only system identities may modify.
	// Protected rows stay world-readable.
	SystemProtected bool
	// Refs are permission references, tried in declaration order.
	Refs []Reference
	// CreateRef, when set, names the reference that gates creation of new
	// instances: creating requires permission on the referenced resource.
	CreateRef *Reference
	// Policy, when set, replaces the built-in decision procedure for this
	// class.
	Policy Policy
}

// Resource is the slice of a row the engine needs for a check.
type Resource struct {
	ID        int64
	OwnerID   int64
	TeamID    *int64
	DeletedAt *time.Time
}

// Deleted reports whether the row is soft-deleted.
func (r Resource) Deleted() bool {
	return r.DeletedAt != nil
}

// Registry holds every resource class the engine knows about. It is built
// once at startup and read-only afterwards; it is not safe to register
// classes while checks are running.
type Registry struct {
	classes map[string]*ResourceClass
}

// NewRegistry validates and registers the given classes.
func NewRegistry(classes ...*ResourceClass) (*Registry, error) {
	r := &Registry{classes: make(map[string]*ResourceClass, len(classes))}
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one class. The class name must be unique; Table defaults to
// the class name. Reference targets are resolved lazily at check time, so
// classes may reference classes registered later.
func (r *Registry) Register(c *ResourceClass) error {
	if c == nil {
		return fmt.Errorf("authz: register: nil resource class")
	}
	if c.Name == "" {
		return fmt.Errorf("authz: register: resource class without a name")
	}
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("authz: register: duplicate resource class %q", c.Name)
	}
	if c.Table == "" {
		c.Table = c.Name
	}
	for _, ref := range c.Refs {
		if ref.Column == "" || ref.Class == "" {
			return fmt.Errorf("authz: register: class %q: reference needs both column and class", c.Name)
		}
	}
	if c.CreateRef != nil && (c.CreateRef.Column == "" || c.CreateRef.Class == "") {
		return fmt.Errorf("authz: register: class %q: create reference needs both column and class", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// Lookup resolves a class by name.
func (r *Registry) Lookup(name string) (*ResourceClass, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// Names lists the registered class names in unspecified order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}
