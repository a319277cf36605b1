package auth

import (
	"fmt"

	"caseline/internal/domain"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	Action string
	Actor  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not %s", e.Actor, e.Action)
}

func privileged(a domain.Actor) bool {
	return a.Role == domain.RoleAdmin || a.Role == domain.RoleSystem
}

// CanManage reports whether a may change c: admins, the system actor, or the
// employee assigned to the case.
func CanManage(a domain.Actor, c domain.Case) bool {
	if privileged(a) {
		return true
	}
	return a.Role == domain.RoleEmployee && c.AssignedTo(a.UserID)
}

// CanView reports whether a may read c and its user-visible timeline.
func CanView(a domain.Actor, c domain.Case) bool {
	if CanManage(a, c) {
		return true
	}
	return a.Role == domain.RoleUser && c.UserID == a.UserID
}

// CanUpload reports whether a may add document versions to c. The owning
// user uploads; staff may upload on the user's behalf.
func CanUpload(a domain.Actor, c domain.Case) bool {
	return CanView(a, c)
}

func RequireManage(a domain.Actor, c domain.Case, action string) error {
	if !CanManage(a, c) {
		return ForbiddenError{Action: action, Actor: a.UserID}
	}
	return nil
}

func RequireView(a domain.Actor, c domain.Case, action string) error {
	if !CanView(a, c) {
		return ForbiddenError{Action: action, Actor: a.UserID}
	}
	return nil
}

// RequireAdmin gates catalogue-level operations such as template edits,
// case creation and manual sweeps.
func RequireAdmin(a domain.Actor, action string) error {
	if !privileged(a) {
		return ForbiddenError{Action: action, Actor: a.UserID}
	}
	return nil
}

// RequireStaff admits employees as well as admins.
func RequireStaff(a domain.Actor, action string) error {
	if privileged(a) || a.Role == domain.RoleEmployee {
		return nil
	}
	return ForbiddenError{Action: action, Actor: a.UserID}
}
