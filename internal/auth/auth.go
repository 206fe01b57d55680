// Package auth authenticates API bearer tokens and checks their scopes.
//
// Tokens are kept only as BLAKE3 digests. Every presented token is hashed and
// compared in constant time against each configured digest, so neither the
// token length nor which entry matched leaks through timing.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the API. A ":rw" scope implies the matching ":ro".
const (
	ScopeAdmin          = "*"
	ScopeTransactionsRO = "transactions:ro"
	ScopeTransactionsRW = "transactions:rw"
	ScopeModulesRO      = "modules:ro"
	ScopeEventsRO       = "events:ro"
	ScopeMetricsRO      = "metrics:ro"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrMalformed    = errors.New("authorization header is not a bearer token")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Name identifies the matched credential
// without revealing it and is safe to log.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAdmin]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type credential struct {
	digest    [32]byte
	principal Principal
}

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an authenticator. apiKey, when set, grants admin;
// empty tokens are skipped.
func NewAuthenticator(apiKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if apiKey != "" {
		a.creds = append(a.creds, credential{
			digest:    blake3.Sum256([]byte(apiKey)),
			principal: Principal{Name: "api_key", scopes: map[string]struct{}{ScopeAdmin: {}}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.creds = append(a.creds, credential{
			digest:    blake3.Sum256([]byte(t.Token)),
			principal: Principal{Name: fmt.Sprintf("token[%d]", i), scopes: expandScopes(t.Scopes)},
		})
	}
	return a
}

// Authenticate returns the principal for presented.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	digest := blake3.Sum256([]byte(presented))

	var (
		match Principal
		found int
	)
	for _, c := range a.creds {
		eq := subtle.ConstantTimeCompare(digest[:], c.digest[:])
		if eq == 1 && found == 0 {
			match = c.principal
		}
		found |= eq
	}
	return match, found == 1
}

// BearerToken extracts the token from an Authorization header value.
// The scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if resource, ok := strings.CutSuffix(s, ":rw"); ok {
			out[resource+":ro"] = struct{}{}
		}
	}
	return out
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
