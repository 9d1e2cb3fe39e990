package authz

import (
	"fmt"
	"strings"
)

// Level identifies one capability in the fixed permission model. Levels are
// ordered: holding a bit at a higher level satisfies requirements at lower
// levels, so a Delete grant also allows Edit, and a Share grant allows
// everything.
type Level uint8

const (
	// LevelView allows reading a resource. Any non-empty grant satisfies it.
	LevelView Level = iota
	// LevelExecute allows running an executable resource.
	LevelExecute
	// LevelCopy allows duplicating a resource into the caller's own scope.
	LevelCopy
	// LevelEdit allows modifying a resource.
	LevelEdit
	// LevelDelete allows removing a resource.
	LevelDelete
	// LevelShare allows granting others access to a resource. Only the share
	// bit itself satisfies it.
	LevelShare

	levelCount
)

var levelNames = [levelCount]string{"view", "execute", "copy", "edit", "delete", "share"}

// Levels lists all capabilities in ascending order.
func Levels() []Level {
	return []Level{LevelView, LevelExecute, LevelCopy, LevelEdit, LevelDelete, LevelShare}
}

// Valid reports whether the level is one of the six defined capabilities.
func (l Level) Valid() bool {
	return l < levelCount
}

// String returns the lowercase capability name.
func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", uint8(l))
	}
	return levelNames[l]
}

// ParseLevel maps a capability name to its Level.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("authz: unknown permission level %q", s)
}

func (l Level) bit() LevelSet {
	return 1 << l
}

// LevelSet is a bitmask of granted capabilities.
type LevelSet uint8

// NewLevelSet folds individual levels into a set.
func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		if l.Valid() {
			s |= l.bit()
		}
	}
	return s
}

// Has reports whether the exact capability bit is present.
func (s LevelSet) Has(l Level) bool {
	return s&l.bit() != 0
}

// Union merges two sets.
func (s LevelSet) Union(other LevelSet) LevelSet {
	return s | other
}

// IsEmpty reports whether no capability is granted.
func (s LevelSet) IsEmpty() bool {
	return s == 0
}

// Satisfies reports whether the set meets the required level. View is
// satisfied by any non-empty set; every other level requires a bit at or
// above its own rank.
func (s LevelSet) Satisfies(required Level) bool {
	if !required.Valid() {
		return false
	}
	return s&atOrAbove(required) != 0
}

// atOrAbove masks the bits that satisfy the given level.
func atOrAbove(l Level) LevelSet {
	return ^LevelSet(0) << l
}

// String renders the set as "view|edit", or "none" when empty.
func (s LevelSet) String() string {
	if s.IsEmpty() {
		return "none"
	}
	parts := make([]string, 0, levelCount)
	for _, l := range Levels() {
		if s.Has(l) {
			parts = append(parts, l.String())
		}
	}
	return strings.Join(parts, "|")
}
