// Package authz maps a verified identity to the query shapes it may run.
package authz

import (
	"strings"

	dErrors "audittrail/pkg/domain-errors"
)

// Role is a caller's role as carried in the identity claims.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
	RoleRootAdmin Role = "root-administrator"
)

// roleAliases accepts spellings issued by older identity pool configurations.
var roleAliases = map[string]Role{
	"agent":              RoleAgent,
	"admin":              RoleAdmin,
	"root-administrator": RoleRootAdmin,
	"rootadministrator":  RoleRootAdmin,
}

// ParseRole normalizes a role claim. Matching ignores case.
func ParseRole(raw string) (Role, bool) {
	r, ok := roleAliases[strings.ToLower(strings.TrimSpace(raw))]
	return r, ok
}

// IsAdmin reports whether r may read across all agents and clients.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleRootAdmin
}

// Claims is the identity established by the token verifier.
type Claims struct {
	Subject string
	Role    string
}

// Caller is an authenticated, recognized principal.
type Caller struct {
	Subject string
	Role    Role
}

// Scope is what the caller asked to read.
type Scope int

const (
	// ScopeOwn is the caller's default listing: own logs for agents, all
	// logs for admins.
	ScopeOwn Scope = iota
	// ScopeClient is one client's logs.
	ScopeClient
)

// Shape is the query plan the caller is entitled to.
type Shape int

const (
	ShapeByActor Shape = iota
	ShapeByClient
	ShapeAllLogs
)

func (s Shape) String() string {
	switch s {
	case ShapeByActor:
		return "by_actor"
	case ShapeByClient:
		return "by_client"
	case ShapeAllLogs:
		return "all_logs"
	}
	return "unknown"
}

// Resolve turns verified claims into a caller.
func Resolve(c Claims) (Caller, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" || strings.TrimSpace(c.Role) == "" {
		return Caller{}, dErrors.New(dErrors.CodeUnauthorized, "Unauthorized")
	}
	role, ok := ParseRole(c.Role)
	if !ok {
		return Caller{}, dErrors.New(dErrors.CodeForbidden, "Forbidden: Unrecognized role")
	}
	return Caller{Subject: subject, Role: role}, nil
}

// Authorize picks the shape for caller and scope. NeedsOwnership on the
// result tells the engine to verify the client belongs to the caller.
func Authorize(caller Caller, scope Scope) (Decision, error) {
	switch {
	case caller.Role == RoleAgent && scope == ScopeOwn:
		return Decision{Shape: ShapeByActor}, nil
	case caller.Role == RoleAgent && scope == ScopeClient:
		return Decision{Shape: ShapeByClient, NeedsOwnership: true}, nil
	case caller.Role.IsAdmin() && scope == ScopeOwn:
		return Decision{Shape: ShapeAllLogs}, nil
	case caller.Role.IsAdmin() && scope == ScopeClient:
		return Decision{Shape: ShapeByClient}, nil
	}
	return Decision{}, dErrors.New(dErrors.CodeForbidden, "Forbidden: Unrecognized role")
}

// Decision is the outcome of Authorize.
type Decision struct {
	Shape          Shape
	NeedsOwnership bool
}
