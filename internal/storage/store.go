package storage

import "context"

// IdentityStore resolves session tokens issued by the external auth service
// to verified user ids. Implementations: redis.Client, memory.Client (for
// -dev without Redis).
type IdentityStore interface {
	// ResolveToken returns the user id for a token, or "" when the token is
	// unknown or expired.
	ResolveToken(ctx context.Context, token string) (string, error)
	Close() error
}
