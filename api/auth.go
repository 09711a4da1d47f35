package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"protracker/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// Actor is the authenticated caller. Token is the raw bearer so that a REST
// backend can act on the caller's behalf.
type Actor struct {
	User  domain.User
	Token string
}

// Authenticator turns an Authorization header into an Actor.
type Authenticator interface {
	ActorFromAuthHeader(h string) (Actor, error)
}

// Auth validates JWTs either against a JWKS (RS256) or, in local mode, a
// shared HS256 secret. Profile claims may be namespaced, as Auth0 requires
// for custom claims.
type Auth struct {
	JWKS           *keyfunc.JWKS
	Audience       string
	Issuer         string
	LocalSecret    []byte
	ClaimNamespace string
	KeyCacheTTL    time.Duration

	parser   *jwt.Parser
	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a JWKS-backed authenticator.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		KeyCacheTTL: defaultJWKSCacheTTL,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}
}

// NewLocalAuth creates an authenticator for HS256 tokens signed with secret.
func NewLocalAuth(secret []byte) *Auth {
	if len(secret) == 0 {
		panic("api.NewLocalAuth: empty secret")
	}
	return &Auth{
		LocalSecret: secret,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// ActorFromAuthHeader validates the bearer token and reads the user profile
// from its claims.
func (a *Auth) ActorFromAuthHeader(h string) (Actor, error) {
	token, err := bearerToken(h)
	if err != nil {
		return Actor{}, err
	}
	claims, err := a.verify(token)
	if err != nil {
		return Actor{}, err
	}
	user, err := a.userFromClaims(claims)
	if err != nil {
		return Actor{}, err
	}
	return Actor{User: user, Token: token}, nil
}

func (a *Auth) verify(token string) (jwt.MapClaims, error) {
	parser := a.parser
	if parser == nil {
		parser = jwt.NewParser()
	}
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		if len(a.LocalSecret) > 0 {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.LocalSecret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return nil, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

func (a *Auth) userFromClaims(claims jwt.MapClaims) (domain.User, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.User{}, errors.New("missing sub")
	}
	u := domain.User{
		ID:                 sub,
		Name:               a.stringClaim(claims, "name"),
		Email:              a.stringClaim(claims, "email"),
		Role:               domain.Role(a.stringClaim(claims, "role")),
		EmployeeID:         a.stringClaim(claims, "employeeId"),
		Company:            a.stringClaim(claims, "company"),
		Department:         a.stringClaim(claims, "department"),
		AccessibleBrands:   a.listClaim(claims, "accessibleBrands"),
		AccessibleProjects: a.listClaim(claims, "accessibleProjects"),
	}
	if !u.Role.Valid() {
		return domain.User{}, fmt.Errorf("%w: %q", domain.ErrInvalidRole, u.Role)
	}
	return u, nil
}

func (a *Auth) claim(claims jwt.MapClaims, name string) any {
	if a.ClaimNamespace != "" {
		if v, ok := claims[a.ClaimNamespace+name]; ok {
			return v
		}
	}
	return claims[name]
}

func (a *Auth) stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := a.claim(claims, name).(string)
	return s
}

func (a *Auth) listClaim(claims jwt.MapClaims, name string) []string {
	switch v := a.claim(claims, name).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.KeyCacheTTL > 0 {
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

	if kid != "" && a.KeyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.KeyCacheTTL)})
	}
	return key, nil
}
