package jwttoken

import (
	authmw "audittrail/pkg/platform/middleware/auth"
)

// JWTServiceAdapter satisfies authmw.JWTValidator, exposing only the subject
// and role the audit API authorizes on.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &authmw.JWTClaims{Subject: claims.Subject, Role: claims.Role()}, nil
}
