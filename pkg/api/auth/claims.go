// Package auth issues and validates the Bearer tokens of the device agent.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes token uses. The agent only issues access tokens.
type TokenType string

const (
	// TokenTypeAccess is a token used for API authorization.
	TokenTypeAccess TokenType = "access"
)

// Role limits what a token holder may do.
type Role string

const (
	// RoleOperator may read and change settings and drive updates.
	RoleOperator Role = "operator"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleOperator, RoleViewer:
		return Role(s), true
	default:
		return "", false
	}
}

// Claims are the JWT claims of an agent token.
type Claims struct {
	jwt.RegisteredClaims

	// Role is "operator" or "viewer".
	Role Role `json:"role"`

	// TokenType is always "access".
	TokenType TokenType `json:"token_type"`
}

// IsAccessToken returns true if this is an access token.
func (c *Claims) IsAccessToken() bool {
	return c.TokenType == TokenTypeAccess
}

// CanWrite returns true if the holder may change device state.
func (c *Claims) CanWrite() bool {
	return c.Role == RoleOperator
}
