// Package auth resolves a bearer token to an (event, role) identity.
//
// The event a request acts on comes only from a verified token, never from
// request parameters. Tokens are HS256 JWTs minted by Issuer.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/turnstile/internal/checkin"
)

// Role is what a token holder may do within its event.
type Role string

const (
	// RoleScanner may submit scans and sync.
	RoleScanner Role = "scanner"
	// RoleObserver may only read occupancy.
	RoleObserver Role = "observer"
	// RoleAdmin may do everything a scanner and observer can.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleScanner, RoleObserver, RoleAdmin:
		return true
	}
	return false
}

// Claims carried in a device token.
type Claims struct {
	EventID string `json:"event_id"`
	Role    Role   `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the verified authentication context of a request.
type Identity struct {
	EventID string
	Role    Role
	Subject string
}

// Allows reports whether the identity holds one of roles. Admin holds all.
func (id Identity) Allows(roles ...Role) bool {
	if id.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

const issuer = "turnstile"

// Issuer mints device tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. ttl <= 0 mints tokens without expiry.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for subject acting on eventID with role.
func (i *Issuer) Issue(eventID string, role Role, subject string) (string, error) {
	if eventID == "" {
		return "", errors.New("issue token: event id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("issue token: unknown role %q", role)
	}
	now := i.now()
	claims := Claims{
		EventID: eventID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier checks device tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify parses token and returns its identity. Every failure is an
// UNAUTHORIZED *checkin.Error.
func (v *Verifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, checkin.Wrap(checkin.CodeUnauthorized, "invalid token", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.EventID == "" || !claims.Role.Valid() {
		return Identity{}, checkin.New(checkin.CodeUnauthorized, "token lacks event or role")
	}
	return Identity{EventID: claims.EventID, Role: claims.Role, Subject: claims.Subject}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", checkin.New(checkin.CodeUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", checkin.New(checkin.CodeUnauthorized, "malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
