// Package server verifies bearer credentials presented at connection time and
// resolves them to an authenticated user identity and role.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved result of a successful credential verification.
type Identity struct {
	UserID string
	Role   string
	Email  string
}

// IsAdmin reports whether the identity carries an administrative role.
func (id Identity) IsAdmin() bool {
	return id.Role == "admin" || id.Role == "superadmin"
}

// Verification failure reasons. All of them cause the lifecycle controller to
// refuse the connection; none are reported to peers.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrUnknownRole       = errors.New("unrecognized role")
)

// Verifier validates an opaque bearer credential and resolves it to an
// identity. Implementations must be side-effect free and safe for concurrent
// use.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// beaconClaims are the token claims the platform issues for socket access.
type beaconClaims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Email string `json:"email"`
}

// JWTVerifier validates platform-issued JWTs. Keys come either from a shared
// HMAC secret or from a JWKS endpoint when the issuer hosts its signing keys.
type JWTVerifier struct {
	keyfn  jwt.Keyfunc
	issuer string
	roles  map[string]struct{}
	jwks   *keyfunc.JWKS
}

// NewJWTVerifier creates a verifier that checks HMAC-SHA256 signatures with the
// given shared secret. The issuer claim is enforced when issuer is non-empty,
// and the token role must be one of roles.
func NewJWTVerifier(secret, issuer string, roles []string) *JWTVerifier {
	key := []byte(secret)
	return &JWTVerifier{
		keyfn: func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		},
		issuer: issuer,
		roles:  roleSet(roles),
	}
}

// NewJWKSVerifier creates a verifier that fetches and caches signing keys from
// a JWKS endpoint, refreshing them in the background. Close must be called to
// stop the refresh goroutine.
func NewJWKSVerifier(jwksURL, issuer string, roles []string) (*JWTVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               context.Background(),
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTVerifier{
		keyfn:  jwks.Keyfunc,
		issuer: issuer,
		roles:  roleSet(roles),
		jwks:   jwks,
	}, nil
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}

// Verify parses and validates the credential and resolves the identity.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := &beaconClaims{}
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "RS256", "ES256"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, claims, v.keyfn, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	subject := claims.Subject
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidCredential)
	}
	if _, ok := v.roles[claims.Role]; !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}

	return Identity{
		UserID: subject,
		Role:   claims.Role,
		Email:  claims.Email,
	}, nil
}

// Close stops the background JWKS refresh, if JWKS mode is active.
func (v *JWTVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// NewVerifierFromConfig builds the verifier selected by the auth configuration.
func NewVerifierFromConfig(cfg AuthConfig) (*JWTVerifier, error) {
	if cfg.JWKSURL != "" {
		return NewJWKSVerifier(cfg.JWKSURL, cfg.Issuer, cfg.Roles)
	}
	if cfg.Secret == "" {
		return nil, errors.New("auth: either a shared secret or a JWKS URL is required")
	}
	return NewJWTVerifier(cfg.Secret, cfg.Issuer, cfg.Roles), nil
}
