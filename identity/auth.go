// Package identity validates bearer tokens and tracks the signed-in principal.
package identity

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultKeyCacheTTL = 15 * time.Minute

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

// Principal is the authenticated caller.
type Principal struct {
	ID        string
	Email     string
	ExpiresAt time.Time
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth verifies RS256 tokens against the keys published in jwks.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultKeyCacheTTL,
	}
}

// NewTestAuth verifies HS256 tokens signed with secret.
func NewTestAuth(secret []byte, audience, issuer string) *Auth {
	return &Auth{
		Audience:   audience,
		Issuer:     issuer,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// PrincipalFromHeader validates the bearer token in an Authorization header value.
func (a *Auth) PrincipalFromHeader(h string) (Principal, error) {
	token, err := BearerToken(h)
	if err != nil {
		return Principal{}, err
	}
	return a.PrincipalFromToken(token)
}

// PrincipalFromToken validates a raw JWT and returns its subject and email.
func (a *Auth) PrincipalFromToken(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrBadAuthorization
	}
	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if a.TestMode {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return Principal{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return Principal{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now+60, false) {
		return Principal{}, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return Principal{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return Principal{}, errors.New("invalid issuer")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, errors.New("missing sub")
	}
	p := Principal{ID: sub, Email: emailClaim(claims)}
	if exp, ok := claims["exp"].(float64); ok {
		p.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return p, nil
}

// emailClaim reads "email" or a namespaced custom claim ending in "/email".
func emailClaim(claims jwt.MapClaims) string {
	if e, ok := claims["email"].(string); ok && e != "" {
		return e
	}
	for k, v := range claims {
		if strings.HasSuffix(k, "/email") {
			if e, ok := v.(string); ok {
				return e
			}
		}
	}
	return ""
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}
	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", ErrMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}
