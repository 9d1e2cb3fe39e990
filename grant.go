package authz

import (
	"fmt"
	"time"
)

// Grant is one explicit access-control entry. Exactly one of UserID, TeamID
// and RoleID must be set; the grant then applies to that user, to members of
// that team, or to holders of that role.
type Grant struct {
	ID int64

	UserID *int64
	TeamID *int64
	RoleID *int64

	// ResourceType is the registry name of the class the grant targets.
	ResourceType string
	ResourceID   int64

	View    bool
	Execute bool
	Copy    bool
	Edit    bool
	Delete  bool
	Share   bool

	// ExpiresAt, when set, is the instant the grant stops applying. A grant
	// is inactive at and after this instant.
	ExpiresAt *time.Time
}

// Bits folds the per-capability flags into a LevelSet.
func (g Grant) Bits() LevelSet {
	var s LevelSet
	if g.View {
		s |= LevelView.bit()
	}
	if g.Execute {
		s |= LevelExecute.bit()
	}
	if g.Copy {
		s |= LevelCopy.bit()
	}
	if g.Edit {
		s |= LevelEdit.bit()
	}
	if g.Delete {
		s |= LevelDelete.bit()
	}
	if g.Share {
		s |= LevelShare.bit()
	}
	return s
}

// ActiveAt reports whether the grant applies at the given instant.
func (g Grant) ActiveAt(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// Validate checks the exactly-one-scope invariant.
func (g Grant) Validate() error {
	scopes := 0
	if g.UserID != nil {
		scopes++
	}
	if g.TeamID != nil {
		scopes++
	}
	if g.RoleID != nil {
		scopes++
	}
	if scopes != 1 {
		return fmt.Errorf("authz: grant %d: exactly one of user, team or role scope required, got %d", g.ID, scopes)
	}
	return nil
}
