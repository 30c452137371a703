package tokenstore

import (
	"context"
	"errors"
	"time"
)

// Namespaces keep tokens for different workflows apart in one shared cache.
const (
	NamespaceAttendance    = "attendance:"
	NamespaceAccount       = "account:"
	NamespacePasswordReset = "password-reset:"
)

// ErrNotFound is returned when a token is missing from the store. A missing
// token may never have been issued, may have expired, or may already have
// been redeemed; callers are not told which.
var ErrNotFound = errors.New("token not found")

// Store maps single-use tokens to a target record identifier with expiry.
type Store interface {
	// Issue stores token -> targetID under the namespace, overwriting any
	// existing value for that key.
	Issue(ctx context.Context, namespace, token, targetID string, ttl time.Duration) error

	// Redeem returns the target id bound to the token and removes it in the
	// same step. Two concurrent redemptions of one token yield exactly one
	// success; the loser gets ErrNotFound.
	Redeem(ctx context.Context, namespace, token string) (string, error)

	// Peek returns the target id without consuming the token.
	Peek(ctx context.Context, namespace, token string) (string, error)

	// Invalidate removes a token without redeeming it.
	Invalidate(ctx context.Context, namespace, token string) error
}
