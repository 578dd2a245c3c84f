// Package auth implements passwordless email sign-in. Initiate mails a
// one-time magic link; Complete consumes the link's token and opens a
// session. Tokens live only in the shared store, so a link is good for
// exactly one sign-in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/nominom/accountd/account"
	"github.com/nominom/accountd/internal"
	"github.com/nominom/accountd/kvstore"
	"github.com/nominom/accountd/ratelimit"
	"github.com/nominom/accountd/session"
)

var (
	// ErrTooManyRequests is returned when an email exceeds its sign-in
	// link budget.
	ErrTooManyRequests = errors.New("too many sign-in requests")
	// ErrInvalidEmail is returned for addresses that cannot receive a
	// link.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrDeliveryFailed wraps email transport failures.
	ErrDeliveryFailed = errors.New("email delivery failed")
)

// Email is an outbound message handed to the sender.
type Email struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers sign-in emails. Implementations wrap whatever
// transport the deployment uses.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// Config tunes the magic-link flow. Zero values take the defaults.
type Config struct {
	// TokenTTL bounds how long a mailed link stays redeemable.
	TokenTTL time.Duration
	// BaseURL is the public prefix the token is appended to.
	BaseURL string
	// RequestWindow and MaxRequests budget Initiate calls per email.
	RequestWindow time.Duration
	MaxRequests   int
	// CompleteLockTTL bounds the critical section that consumes a token.
	CompleteLockTTL time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		TokenTTL:        15 * time.Minute,
		BaseURL:         "https://app.nominom.com/auth/verify",
		RequestWindow:   15 * time.Minute,
		MaxRequests:     5,
		CompleteLockTTL: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = def.RequestWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.CompleteLockTTL <= 0 {
		c.CompleteLockTTL = def.CompleteLockTTL
	}
	return c
}

const tokenKeyPrefix = "emailtoken:"

// Service runs the magic-link flow end to end.
type Service struct {
	kv       *kvstore.Store
	users    account.UserRepository
	sessions *session.Manager
	sender   EmailSender
	budget   *ratelimit.Limiter
	config   Config
}

// NewService wires the flow over the shared store.
func NewService(kv *kvstore.Store, users account.UserRepository, sessions *session.Manager, sender EmailSender, cfg Config) *Service {
	return &Service{
		kv:       kv,
		users:    users,
		sessions: sessions,
		sender:   sender,
		budget:   ratelimit.New(kv, "emailauth"),
		config:   cfg.withDefaults(),
	}
}

// Initiate mails a sign-in link to email. The link stays valid for
// Config.TokenTTL; requesting again within that window mails a fresh
// link without disturbing earlier ones.
func (s *Service) Initiate(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	result := s.budget.Allow(ctx, email, s.config.RequestWindow, s.config.MaxRequests)
	if !result.Allowed {
		canonlog.InfoAdd(ctx, "email_signin_blocked", email)
		return ErrTooManyRequests
	}

	token, err := internal.NewEmailToken()
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, tokenKey(token), []byte(email), s.config.TokenTTL); err != nil {
		return err
	}

	msg := Email{
		To:      email,
		Subject: "Sign in to NomiNom",
		Body:    fmt.Sprintf("Click to sign in: %s?token=%s\n\nThis link expires in %d minutes.", s.config.BaseURL, token, int(s.config.TokenTTL.Minutes())),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		canonlog.ErrorAdd(ctx, err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Complete redeems a mailed token and opens a session for its email,
// creating the account on first sign-in. The token is consumed before
// the session is issued, so a link redeems at most once; an absent,
// expired, or already-used token yields session.ErrInvalidToken.
func (s *Service) Complete(ctx context.Context, token, deviceID string, device session.DeviceInfo) (*session.Session, session.TokenPair, error) {
	if token == "" {
		return nil, session.TokenPair{}, session.ErrInvalidToken
	}

	var email string
	lockKey := "complete:" + internal.HashToken(token)
	err := s.kv.WithLock(ctx, lockKey, s.config.CompleteLockTTL, func(ctx context.Context) error {
		data, err := s.kv.Get(ctx, tokenKey(token))
		if err != nil {
			return err
		}
		if data == nil {
			return session.ErrInvalidToken
		}
		if err := s.kv.Delete(ctx, tokenKey(token)); err != nil {
			return err
		}
		email = string(data)
		return nil
	})
	if errors.Is(err, kvstore.ErrLockUnavailable) {
		// A concurrent redeem of the same link holds the lock; that
		// redeem wins.
		return nil, session.TokenPair{}, session.ErrInvalidToken
	}
	if err != nil {
		return nil, session.TokenPair{}, err
	}

	user, err := s.findOrCreateUser(ctx, email)
	if err != nil {
		return nil, session.TokenPair{}, err
	}

	return s.sessions.Create(ctx, user.ID, deviceID, device)
}

func (s *Service) findOrCreateUser(ctx context.Context, email string) (*account.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, account.ErrUserNotFound) {
		return nil, err
	}

	now := time.Now()
	user = &account.User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// Another request created the account between lookup and insert.
		if errors.Is(err, account.ErrEmailTaken) {
			return s.users.GetByEmail(ctx, email)
		}
		return nil, err
	}
	canonlog.InfoAdd(ctx, "user_created", user.ID)
	return user, nil
}

func tokenKey(token string) string {
	return tokenKeyPrefix + token
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 || !strings.Contains(email[at:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
