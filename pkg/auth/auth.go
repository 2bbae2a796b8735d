package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated means the request carried no usable identity
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEmptySecret is returned when a signer is built without a key
	ErrEmptySecret = errors.New("jwt secret must not be empty")
)

// Anonymous is the identity of a connection without credentials
const Anonymous = ""

// RoleAdmin may manage the sessions of other users
const RoleAdmin = "admin"

// Principal is an authenticated caller and the roles its token grants
type Principal struct {
	Identity string
	Roles    []string
}

// HasRole reports whether the token granted role
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Authenticator resolves the identity behind a handshake or HTTP request
type Authenticator interface {
	// Resolve returns the identity, or Anonymous when the request has no
	// valid token.
	Resolve(r *http.Request) string
	// Require returns the identity or ErrUnauthenticated.
	Require(r *http.Request) (string, error)
	// Authenticate is Require with the token's roles.
	Authenticate(r *http.Request) (Principal, error)
}

// Claims are the token claims issued to Trackify users
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTAuthenticator validates HS256 bearer tokens
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates an authenticator. issuer may be empty to accept
// tokens from any issuer.
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Issue signs a token for username
func (a *JWTAuthenticator) Issue(username string, ttl time.Duration, roles ...string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", fmt.Errorf("cannot issue token: %w", ErrUnauthenticated)
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses a token and returns its subject
func (a *JWTAuthenticator) Validate(token string) (string, error) {
	p, err := a.parse(token)
	if err != nil {
		return "", err
	}
	return p.Identity, nil
}

func (a *JWTAuthenticator) parse(token string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Identity: claims.Subject, Roles: claims.Roles}, nil
}

// Resolve implements Authenticator
func (a *JWTAuthenticator) Resolve(r *http.Request) string {
	id, err := a.Require(r)
	if err != nil {
		return Anonymous
	}
	return id
}

// Require implements Authenticator
func (a *JWTAuthenticator) Require(r *http.Request) (string, error) {
	p, err := a.Authenticate(r)
	if err != nil {
		return "", err
	}
	return p.Identity, nil
}

// Authenticate implements Authenticator
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	return a.parse(token)
}

// tokenFromRequest reads "Authorization: Bearer <t>", falling back to the
// access_token query parameter (browsers cannot set headers on WebSocket
// handshakes).
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}
