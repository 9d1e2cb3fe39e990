package authz

import (
	"fmt"
	"log/slog"
	"sync"
)

// IdentityKind classifies a principal against the configured system
// identities.
type IdentityKind int

const (
	// IdentityRegular is any ordinary principal.
	IdentityRegular IdentityKind = iota
	// IdentityRoot bypasses every check.
	IdentityRoot
	// IdentitySystem may modify system-protected resources.
	IdentitySystem
	// IdentityTemplate owns shared template resources that stay readable and
	// copyable by everyone.
	IdentityTemplate
)

// String returns the lowercase kind name.
func (k IdentityKind) String() string {
	switch k {
	case IdentityRegular:
		return "regular"
	case IdentityRoot:
		return "root"
	case IdentitySystem:
		return "system"
	case IdentityTemplate:
		return "template"
	default:
		return fmt.Sprintf("identity(%d)", int(k))
	}
}

// System reports whether the kind carries system privileges. Root counts as
// system wherever a system identity is required.
func (k IdentityKind) System() bool {
	return k == IdentityRoot || k == IdentitySystem
}

// classifier maps principal ids to identity kinds. Ids at or below zero are
// never valid principals; they classify as regular and log once.
type classifier struct {
	rootID     int64
	systemID   int64
	templateID int64
	logger     *slog.Logger

	warnOnce sync.Once
}

func (c *classifier) classify(principalID int64) IdentityKind {
	if principalID <= 0 {
		c.warnOnce.Do(func() {
			c.logger.Warn("classifying non-positive principal id as regular",
				slog.Int64("principal_id", principalID))
		})
		return IdentityRegular
	}
	switch principalID {
	case c.rootID:
		return IdentityRoot
	case c.systemID:
		return IdentitySystem
	case c.templateID:
		return IdentityTemplate
	default:
		return IdentityRegular
	}
}
