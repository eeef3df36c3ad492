package port

import "context"

type IdempotencyStore interface {
	// SetIdempotency claims key, returns false if it is already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// CompleteIdempotency marks a claimed key as done; it can no longer be released
	CompleteIdempotency(ctx context.Context, key string) error

	// ReleaseIdempotency frees a key that is still pending so the request may be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
