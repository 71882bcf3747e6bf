// README: Caller identity and the bearer-token verifier contract.
package infra

import (
	"context"
	"errors"
)

const (
	RoleCustomer = "customer"
	RoleDriver   = "driver"
	RoleAdmin    = "admin"
	RoleSystem   = "system"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is what a verified credential says about the caller.
type Identity struct {
	UID  string
	Role string
}

// TokenVerifier verifies a raw bearer token and returns the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

func validRole(role string) bool {
	switch role {
	case RoleCustomer, RoleDriver, RoleAdmin, RoleSystem:
		return true
	}
	return false
}
