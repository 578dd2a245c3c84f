package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nominom/accountd/internal"
	"github.com/nominom/accountd/kvstore"
)

var (
	// ErrInvalidToken covers absent, revoked, and rotation-loser refresh
	// tokens; callers cannot distinguish those cases.
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrTokenExpired means the refresh token outlived its session. The
	// session is invalidated as a side effect, so the same token cannot
	// be retried.
	ErrTokenExpired = errors.New("refresh token expired")
)

const (
	defaultRefreshTTL    = 7 * 24 * time.Hour
	defaultRotateLockTTL = 5 * time.Second
)

// TokenPair is what a successful authentication or refresh yields.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ManagerConfig tunes session lifetimes.
type ManagerConfig struct {
	RefreshTTL    time.Duration // default 7 days
	RotateLockTTL time.Duration // default 5s, sized well over one rotation
}

// Manager owns the session lifecycle. Rotation runs under the shared
// kvstore lock keyed by the presented token's digest, so concurrent
// refreshes of one (possibly stolen) token produce exactly one winner.
type Manager struct {
	sessions Store
	kv       *kvstore.Store
	signer   *TokenSigner
	config   ManagerConfig
}

// NewManager wires the persistence store, the coordination store, and the
// access-token signer together.
func NewManager(sessions Store, kv *kvstore.Store, signer *TokenSigner, cfg ManagerConfig) *Manager {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.RotateLockTTL <= 0 {
		cfg.RotateLockTTL = defaultRotateLockTTL
	}
	return &Manager{
		sessions: sessions,
		kv:       kv,
		signer:   signer,
		config:   cfg,
	}
}

// Create opens a session for userID on the given device and returns it
// with its first token pair.
func (m *Manager) Create(ctx context.Context, userID, deviceID string, device DeviceInfo) (*Session, TokenPair, error) {
	refresh, err := internal.NewRefreshToken()
	if err != nil {
		return nil, TokenPair{}, err
	}
	access, err := m.signer.IssueAccess(userID)
	if err != nil {
		return nil, TokenPair{}, err
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		RefreshToken: refresh,
		DeviceID:     deviceID,
		Device:       device,
		LastActive:   now,
		ExpiresAt:    now.Add(m.config.RefreshTTL),
		IsValid:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, TokenPair{}, err
	}

	return sess, TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates refreshToken and returns the replacement pair.
//
// The old token value is invalidated atomically with the new one: the
// session row is rewritten under the rotation lock, and a second caller
// presenting the same old token gets ErrInvalidToken, whether it loses
// the lock or arrives after the rotation. An expired token flips the
// session invalid before returning ErrTokenExpired.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair

	lockKey := "refresh:" + internal.HashToken(refreshToken)
	err := m.kv.WithLock(ctx, lockKey, m.config.RotateLockTTL, func(ctx context.Context) error {
		sess, err := m.sessions.GetByRefreshToken(ctx, refreshToken)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if !sess.IsValid {
			return ErrInvalidToken
		}

		now := time.Now()
		if now.After(sess.ExpiresAt) {
			sess.IsValid = false
			sess.UpdatedAt = now
			if err := m.sessions.Update(ctx, sess); err != nil {
				return err
			}
			return ErrTokenExpired
		}

		nextRefresh, err := internal.NewRefreshToken()
		if err != nil {
			return err
		}
		access, err := m.signer.IssueAccess(sess.UserID)
		if err != nil {
			return err
		}

		sess.RefreshToken = nextRefresh
		sess.LastActive = now
		sess.ExpiresAt = now.Add(m.config.RefreshTTL)
		sess.UpdatedAt = now
		if err := m.sessions.Update(ctx, sess); err != nil {
			return err
		}

		pair = TokenPair{AccessToken: access, RefreshToken: nextRefresh}
		return nil
	})

	if errors.Is(err, kvstore.ErrLockUnavailable) {
		// Another caller holds the rotation for this exact token; only
		// one refresh of a token value may ever succeed.
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Invalidate revokes the session holding refreshToken. Revoking an
// unknown or already-revoked token is a no-op success.
func (m *Manager) Invalidate(ctx context.Context, refreshToken string) error {
	sess, err := m.sessions.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !sess.IsValid {
		return nil
	}

	sess.IsValid = false
	sess.UpdatedAt = time.Now()
	return m.sessions.Update(ctx, sess)
}

// InvalidateAll revokes every session for userID.
func (m *Manager) InvalidateAll(ctx context.Context, userID string) error {
	return m.sessions.InvalidateAllForUser(ctx, userID)
}

// Authenticate validates an access token and returns the user id it was
// issued for.
func (m *Manager) Authenticate(accessToken string) (string, error) {
	return m.signer.ParseAccess(accessToken)
}
