package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the identity subsystem.
var (
	ErrDisabled         = errors.New("identity checks disabled")
	ErrMissingKey       = errors.New("missing api key")
	ErrInvalidKey       = errors.New("invalid api key")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Role enumerates the caller roles recognised by the custody system.
type Role string

const (
	// RoleAdmin owns limits, whitelists, fee recipient and signer set.
	RoleAdmin Role = "admin"
	// RoleAgent is the single automated identity allowed to move funds.
	RoleAgent Role = "agent"
	// RoleSigner participates in quorum-gated emergency transitions.
	RoleSigner Role = "signer"
	// RoleScheduler drives fee accrual and settlement cycles.
	RoleScheduler Role = "scheduler"
	// RoleReader may only call read endpoints.
	RoleReader Role = "reader"
)

// Mode enumerates the supported identity providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Subject captures the authenticated caller identity passed to request
// handlers via context.
type Subject struct {
	ID       string
	Name     string
	Roles    []Role
	Disabled bool

	rolesSet map[Role]struct{}
}

// normalise prepares the lookup set for role checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.rolesSet == nil {
		s.rolesSet = make(map[Role]struct{}, len(s.Roles))
		for _, role := range s.Roles {
			s.rolesSet[Role(strings.ToLower(strings.TrimSpace(string(role))))] = struct{}{}
		}
	}
}

// HasRole reports whether the subject carries the specified role.
func (s *Subject) HasRole(role Role) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.rolesSet[Role(strings.ToLower(strings.TrimSpace(string(role))))]
	return ok
}

// Authorize ensures the subject carries at least one of the given roles.
func (s *Subject) Authorize(roles ...Role) error {
	if s == nil {
		return ErrInvalidKey
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if role == "" {
			continue
		}
		if s.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("%w: requires one of %v", ErrPermissionDenied, roles)
}

// Clone creates a shallow copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:       s.ID,
		Name:     s.Name,
		Roles:    append([]Role(nil), s.Roles...),
		Disabled: s.Disabled,
	}
	clone.normalise()
	return clone
}

// Credential binds an API key to a subject. Keys are provisioned through
// configuration; there is no self-service issuance.
type Credential struct {
	Key      string `json:"key"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Roles    []Role `json:"roles"`
	Disabled bool   `json:"disabled"`
}

// Config configures the identity registry.
type Config struct {
	Mode        Mode
	Credentials []Credential
}
