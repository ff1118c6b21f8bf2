// Package auth resolves opaque client tokens into work-authorized
// identities. Resolution happens once per run start, before any model call
// is made; a failure is fatal for the request, never retried.
package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/scriptorium-ai/scriptorium/core"
)

// TokenResolver turns an opaque bearer token into an identity.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (core.Identity, error)
}

// StaticResolver resolves tokens against a fixed table, the deployment mode
// for single-tenant installs and the test double everywhere else.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]core.Identity
}

// NewStaticResolver builds a resolver over a token -> identity table.
func NewStaticResolver(tokens map[string]core.Identity) *StaticResolver {
	table := make(map[string]core.Identity, len(tokens))
	for token, identity := range tokens {
		table[token] = identity
	}
	return &StaticResolver{tokens: table}
}

// Add registers a token at runtime.
func (r *StaticResolver) Add(token string, identity core.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = identity
}

// Resolve implements TokenResolver. Unknown or empty tokens yield a
// *core.SessionError.
func (r *StaticResolver) Resolve(_ context.Context, token string) (core.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.Identity{}, &core.SessionError{Reason: "missing token"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.tokens[token]
	if !ok {
		return core.Identity{}, &core.SessionError{Reason: "unknown token"}
	}
	return identity, nil
}

// AllowAllResolver accepts any non-empty token and derives a stable subject
// from it. Meant for local development only.
type AllowAllResolver struct{}

// Resolve implements TokenResolver.
func (AllowAllResolver) Resolve(_ context.Context, token string) (core.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.Identity{}, &core.SessionError{Reason: "missing token"}
	}
	return core.Identity{Subject: "local:" + token}, nil
}
