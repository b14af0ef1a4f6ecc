package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"print-workflow/internal/errs"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrRoleNotFound is returned by a RoleLookup when the user has no role record
var ErrRoleNotFound = errors.New("role not found")

// RoleLookup reads role assignment records
type RoleLookup interface {
	GetUserRole(ctx context.Context, userID uuid.UUID) (string, error)
}

// Resolver turns a verified user id into an Identity
type Resolver struct {
	lookup RoleLookup
}

// NewResolver creates a resolver backed by the role records
func NewResolver(lookup RoleLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve looks up the user's role. Users without a valid role are forbidden.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (Identity, error) {
	name, err := r.lookup.GetUserRole(ctx, userID)
	if errors.Is(err, ErrRoleNotFound) {
		return Identity{}, errs.New(errs.KindForbidden, "ResolveIdentity", "user %s has no role", userID)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to load role: %w", err)
	}

	role, err := ParseRole(name)
	if err != nil {
		return Identity{}, errs.Wrap(errs.KindForbidden, "ResolveIdentity", err, "user %s has an invalid role", userID)
	}

	return Identity{UserID: userID, Role: role}, nil
}

// TokenVerifier validates HS256 bearer tokens issued by the identity provider
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns nil when no secret is configured
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses the token and returns the subject user id
func (v *TokenVerifier) Verify(tokenString string) (uuid.UUID, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return userID, nil
}

// Sign issues a token for userID. Used by tests and local tooling.
func (v *TokenVerifier) Sign(userID uuid.UUID, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID.String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
