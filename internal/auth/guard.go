// Package auth defines the caller-authentication guard. The venue core only
// needs a binary answer — does this caller control the claimed identity —
// before any state-mutating operation proceeds.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthenticated is returned when a caller cannot prove control of the
// claimed identity.
var ErrUnauthenticated = errors.New("auth: caller failed authentication")

type credentialKey struct{}

// WithCredential attaches the caller's presented credential to the context.
// The HTTP layer sets this from the Authorization header before invoking any
// mutating operation.
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey{}, credential)
}

// CredentialFrom extracts the presented credential, if any.
func CredentialFrom(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(credentialKey{}).(string)
	return c, ok
}

// Guard confirms a caller controls a claimed identity. Implementations must
// not consult venue state so that authentication failures never leak
// anything beyond the binary outcome.
type Guard interface {
	Authenticate(ctx context.Context, identity string) error
}

// StaticTokenGuard authenticates identities against a fixed identity → token
// table, comparing in constant time. Suitable for deployments where the
// venue operator provisions credentials out of band.
type StaticTokenGuard struct {
	tokens map[string]string
}

// NewStaticTokenGuard creates a guard over the given identity → token table.
func NewStaticTokenGuard(tokens map[string]string) *StaticTokenGuard {
	copied := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		copied[id] = tok
	}
	return &StaticTokenGuard{tokens: copied}
}

func (g *StaticTokenGuard) Authenticate(ctx context.Context, identity string) error {
	presented, ok := CredentialFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	expected, ok := g.tokens[identity]
	if !ok {
		return ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// AllowAll is a guard that accepts every caller. Used in tests and in
// development deployments fronted by an external authentication proxy.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string) error { return nil }
