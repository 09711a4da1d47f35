package api

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"protracker/domain"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer header.payload.signature  ", want: "header.payload.signature"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "basic", header: "Basic dXNlcjpwdw==", wantErr: errBadAuthorization},
		{name: "not a jws", header: "Bearer opaque", wantErr: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bearerToken(tc.header)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("unexpected result %q %v", got, err)
			}
		})
	}
}

func TestActorFromLocalToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := baseClaims()
	claims["name"] = "Ana"
	claims["email"] = "ana@example.com"
	claims["role"] = "external"
	claims["accessibleBrands"] = []any{"B1", "B2"}
	claims["accessibleProjects"] = "P9"
	token := signHS256(t, secret, claims)

	auth := NewLocalAuth(secret)
	actor, err := auth.ActorFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Token != token {
		t.Fatalf("expected raw token to be kept")
	}
	want := domain.User{
		ID:                 "user-123",
		Name:               "Ana",
		Email:              "ana@example.com",
		Role:               domain.RoleExternal,
		AccessibleBrands:   []string{"B1", "B2"},
		AccessibleProjects: []string{"P9"},
	}
	if !reflect.DeepEqual(actor.User, want) {
		t.Fatalf("unexpected user: %+v", actor.User)
	}
}

func TestActorNamespacedClaims(t *testing.T) {
	secret := []byte("test-secret")
	claims := baseClaims()
	claims["https://protracker/role"] = "admin"
	claims["https://protracker/company"] = "Acme"
	claims["role"] = "user"
	token := signHS256(t, secret, claims)

	auth := NewLocalAuth(secret)
	auth.ClaimNamespace = "https://protracker/"
	actor, err := auth.ActorFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.User.Role != domain.RoleAdmin || actor.User.Company != "Acme" {
		t.Fatalf("namespaced claims must win: %+v", actor.User)
	}
}

func TestActorRejectsBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewLocalAuth(secret)
	auth.Audience = "api://aud"

	noRole := baseClaims()
	noRole["aud"] = "api://aud"

	expired := baseClaims()
	expired["aud"] = "api://aud"
	expired["role"] = "user"
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()

	wrongAud := baseClaims()
	wrongAud["aud"] = "api://other"
	wrongAud["role"] = "user"

	noSub := baseClaims()
	delete(noSub, "sub")
	noSub["aud"] = "api://aud"
	noSub["role"] = "user"

	cases := map[string]string{
		"missing role":   signHS256(t, secret, noRole),
		"expired":        signHS256(t, secret, expired),
		"wrong audience": signHS256(t, secret, wrongAud),
		"missing sub":    signHS256(t, secret, noSub),
		"wrong secret":   signHS256(t, []byte("other"), baseClaims()),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.ActorFromAuthHeader("Bearer " + token); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}

	_, err := auth.ActorFromAuthHeader("Bearer " + signHS256(t, secret, noRole))
	if !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestJWKSAuthRejectsHS256(t *testing.T) {
	claims := baseClaims()
	claims["role"] = "admin"
	token := signHS256(t, []byte("secret"), claims)

	auth := NewAuth(nil, "", "")
	if _, err := auth.ActorFromAuthHeader("Bearer " + token); err == nil {
		t.Fatalf("expected HS256 token to be rejected in JWKS mode")
	}
}
