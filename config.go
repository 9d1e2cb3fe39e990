package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Defaults applied by Config.normalize for fields left at their zero value.
const (
	DefaultCacheTTL          = 5 * time.Minute
	DefaultMaxTeamDepth      = 5
	DefaultMaxRoleDepth      = 10
	DefaultMaxReferenceDepth = 8
	DefaultAdminRoleLevel    = 2
	DefaultGrantTable        = "authz_grants"
)

// Config holds the engine's runtime configuration. The three identity ids
// are required and must be pairwise distinct; everything else has a default.
type Config struct {
	// RootID is the principal that bypasses every check.
	RootID int64 `envconfig:"AUTHZ_ROOT_ID" validate:"required,gt=0"`
	// SystemID is the principal allowed to modify system-protected classes.
	SystemID int64 `envconfig:"AUTHZ_SYSTEM_ID" validate:"required,gt=0"`
	// TemplateID owns shared template resources.
	TemplateID int64 `envconfig:"AUTHZ_TEMPLATE_ID" validate:"required,gt=0"`

	// CacheTTL bounds the age of the role snapshot and of per-principal team
	// sets.
	CacheTTL time.Duration `envconfig:"AUTHZ_CACHE_TTL" default:"5m"`
	// MaxTeamDepth bounds team hierarchy traversals.
	MaxTeamDepth int `envconfig:"AUTHZ_MAX_TEAM_DEPTH" default:"5"`
	// MaxRoleDepth bounds role parent chains.
	MaxRoleDepth int `envconfig:"AUTHZ_MAX_ROLE_DEPTH" default:"10"`
	// MaxReferenceDepth bounds permission reference chains.
	MaxReferenceDepth int `envconfig:"AUTHZ_MAX_REFERENCE_DEPTH" default:"8"`
	// AdminRoleLevel is the hierarchy level (distance from a root role) at
	// or above which a role counts as admin for team reachability.
	AdminRoleLevel int `envconfig:"AUTHZ_ADMIN_ROLE_LEVEL" default:"2"`
	// GrantTable is the table generated filter predicates read grants from.
	// It must match the table the Store reads.
	GrantTable string `envconfig:"AUTHZ_GRANT_TABLE" default:"authz_grants"`
}

// LoadConfig reads the configuration from AUTHZ_* environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("authz: load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills zero-valued tunables with their defaults so a Config built
// in code only needs the identity ids.
func (c *Config) normalize() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxTeamDepth <= 0 {
		c.MaxTeamDepth = DefaultMaxTeamDepth
	}
	if c.MaxRoleDepth <= 0 {
		c.MaxRoleDepth = DefaultMaxRoleDepth
	}
	if c.MaxReferenceDepth <= 0 {
		c.MaxReferenceDepth = DefaultMaxReferenceDepth
	}
	if c.AdminRoleLevel <= 0 {
		c.AdminRoleLevel = DefaultAdminRoleLevel
	}
	if c.GrantTable == "" {
		c.GrantTable = DefaultGrantTable
	}
}

// Validate checks field constraints and the distinctness of the identity ids.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("authz: invalid config: %w", err)
	}
	if c.RootID == c.SystemID || c.RootID == c.TemplateID || c.SystemID == c.TemplateID {
		return errors.New("authz: invalid config: root, system and template ids must be distinct")
	}
	return nil
}
