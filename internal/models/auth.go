package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated caller supplied by the identity collaborator.
type Actor struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
	FullName string   `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the engine's caller identity.
func (c *JWTClaims) Actor() Actor {
	if c == nil {
		return Actor{}
	}
	roles := append([]string(nil), c.Roles...)
	return Actor{UserID: c.UserID, Roles: roles}
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}
