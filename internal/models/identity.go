package models

import "errors"

// Role distinguishes the two kinds of portal users that can call each other.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

var (
	ErrIdentityMissing = errors.New("identity missing")
	ErrRoleInvalid     = errors.New("role must be doctor or patient")
)

// Identity is the authenticated principal bound to a signaling connection.
// It is issued by the external auth system; the signaling core only reads it.
type Identity struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Validate reports whether the identity can be bound to a connection.
func (i Identity) Validate() error {
	if i.UserID == "" {
		return ErrIdentityMissing
	}
	if !i.Role.Valid() {
		return ErrRoleInvalid
	}
	return nil
}
