package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when no session matches.
var ErrNotFound = errors.New("session not found")

// Store is the persistence collaborator for session records. Lookups are
// by the unique refresh-token value; implementations must treat the token
// column as unique.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	GetByRefreshToken(ctx context.Context, refreshToken string) (*Session, error)
	Update(ctx context.Context, sess *Session) error
	InvalidateAllForUser(ctx context.Context, userID string) error
}
