package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the caller a request runs on behalf of.
type Principal struct {
	Subject   string
	Anonymous bool
}

// Authenticator resolves the principal of an incoming request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// AnonymousAuth accepts every request.
type AnonymousAuth struct{}

func (AnonymousAuth) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{Subject: "anonymous", Anonymous: true}, nil
}

// JWTAuth validates HS256 bearer tokens signed with a shared secret. The
// subject claim names the principal.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth returns a JWTAuth, or AnonymousAuth when secret is empty.
func NewJWTAuth(secret string) Authenticator {
	if secret == "" {
		return AnonymousAuth{}
	}
	return &JWTAuth{secret: []byte(secret)}
}

func (a *JWTAuth) Authenticate(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &Principal{Subject: sub}, nil
}
