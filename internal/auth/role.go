// Package auth resolves the caller's identity and gates every workflow
// operation by role.
package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is the closed set of workflow roles.
type Role int

const (
	RoleUnknown Role = iota
	RoleIntake
	RoleCashier
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleIntake:
		return "intake"
	case RoleCashier:
		return "cashier"
	case RoleOperator:
		return "operator"
	}
	return "unknown"
}

// MarshalText renders the role name in JSON payloads
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseRole maps a stored role name to a Role. "designer" is the legacy name
// of the intake role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intake", "designer":
		return RoleIntake, nil
	case "cashier":
		return RoleCashier, nil
	case "operator":
		return RoleOperator, nil
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

// Identity is an authenticated caller with a resolved role
type Identity struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}
