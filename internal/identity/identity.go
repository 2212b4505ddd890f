// Package identity carries the authenticated identity the call core runs
// under. Authentication itself happens elsewhere (the hosted auth provider);
// this package only represents its result.
package identity

import (
	"errors"
	"strings"
)

// Role is the party a client acts as in a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Identity is an already-authenticated user as seen by the call core.
type Identity struct {
	ID   string
	Role Role
}

// Provider supplies the current identity, if any. A nil or absent identity
// means nobody is signed in and no call may be started or joined.
type Provider interface {
	Current() (Identity, bool)
}

// Static is a Provider with a fixed identity, used by the headless agent
// (identity comes from its config file) and by tests.
type Static struct {
	Identity Identity
}

func (s Static) Current() (Identity, bool) {
	if strings.TrimSpace(s.Identity.ID) == "" || !s.Identity.Role.Valid() {
		return Identity{}, false
	}
	return s.Identity, true
}

// ParseRole normalizes a role string from config or a wire message.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", errors.New("role must be \"doctor\" or \"patient\"")
	}
	return r, nil
}
