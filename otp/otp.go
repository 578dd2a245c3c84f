// Package otp implements phone-number verification: one-time code
// issuance with an attempt budget, SMS dispatch, and consume-once
// verification.
//
// State per subject moves NoCode → CodeIssued → (Verified | Expired |
// TooManyAttempts). Expiry and "never issued" are indistinguishable to
// callers by design.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nominom/accountd/internal"
	"github.com/nominom/accountd/kvstore"
	"github.com/nominom/accountd/ratelimit"
)

var (
	// ErrTooManyAttempts means the subject's issuance or verification
	// budget is exhausted. User-correctable by waiting out the block.
	ErrTooManyAttempts = errors.New("too many verification attempts")
	// ErrDeliveryFailed means the SMS could not be dispatched. The stored
	// code remains valid so an out-of-band retry of the same code works.
	ErrDeliveryFailed = errors.New("verification code delivery failed")
	// ErrInvalidPhoneNumber means the subject is not an E.164-like number.
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
)

// Sender dispatches one SMS and returns the provider's delivery id.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Config tunes the verification state machine. Zero values fall back to
// the defaults from DefaultConfig.
type Config struct {
	CodeDigits        int           // default 6
	CodeTTL           time.Duration // default 10m
	MaxIssuances      int           // default 3 per IssueWindow
	IssueWindow       time.Duration // default 15m
	BlockDuration     time.Duration // default 1h, must exceed IssueWindow
	MaxVerifyAttempts int           // default 5 consecutive mismatches
	IssueLockTTL      time.Duration // default 10s
	MessageTemplate   string        // must contain one %s for the code
}

// DefaultConfig mirrors production issuance limits: three codes per
// fifteen minutes, one-hour lockout once exceeded.
func DefaultConfig() Config {
	return Config{
		CodeDigits:        6,
		CodeTTL:           10 * time.Minute,
		MaxIssuances:      3,
		IssueWindow:       15 * time.Minute,
		BlockDuration:     time.Hour,
		MaxVerifyAttempts: 5,
		IssueLockTTL:      10 * time.Second,
		MessageTemplate:   "Your NomiNom verification code is: %s",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CodeDigits == 0 {
		c.CodeDigits = d.CodeDigits
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = d.CodeTTL
	}
	if c.MaxIssuances == 0 {
		c.MaxIssuances = d.MaxIssuances
	}
	if c.IssueWindow == 0 {
		c.IssueWindow = d.IssueWindow
	}
	if c.BlockDuration == 0 {
		c.BlockDuration = d.BlockDuration
	}
	if c.MaxVerifyAttempts == 0 {
		c.MaxVerifyAttempts = d.MaxVerifyAttempts
	}
	if c.IssueLockTTL == 0 {
		c.IssueLockTTL = d.IssueLockTTL
	}
	if c.MessageTemplate == "" {
		c.MessageTemplate = d.MessageTemplate
	}
	return c
}

// Verifier is the per-subject one-time-code state machine.
type Verifier struct {
	store  *kvstore.Store
	budget *ratelimit.Limiter
	sender Sender
	config Config
}

// NewVerifier builds a verifier over the phone-verification store
// instance.
func NewVerifier(store *kvstore.Store, sender Sender, cfg Config) *Verifier {
	return &Verifier{
		store:  store,
		budget: ratelimit.New(store, "otpissue"),
		sender: sender,
		config: cfg.withDefaults(),
	}
}

func codeKey(phone string) string     { return "otp:" + phone }
func blockKey(phone string) string    { return "otpblock:" + phone }
func attemptsKey(phone string) string { return "otpverify:" + phone }

// Issue generates, stores, and dispatches a fresh code for phone.
//
// A new code overwrites any prior unconsumed one; only the most recently
// issued code verifies. Issuance is serialized per subject with the
// distributed lock, so concurrent requests cannot each send a different
// code: the loser gets kvstore.ErrLockUnavailable and should be told to
// wait for the SMS already on its way. Dispatch failure surfaces as
// ErrDeliveryFailed with the stored code left valid.
func (v *Verifier) Issue(ctx context.Context, phone string) error {
	subject, err := NormalizePhone(phone)
	if err != nil {
		return err
	}

	blocked, err := v.store.Exists(ctx, blockKey(subject))
	if err != nil {
		return err
	}
	if blocked {
		canonlog.InfoAdd(ctx, "otp_issue_blocked", subject)
		return ErrTooManyAttempts
	}

	return v.store.WithLock(ctx, codeKey(subject), v.config.IssueLockTTL, func(ctx context.Context) error {
		res := v.budget.Allow(ctx, subject, v.config.IssueWindow, v.config.MaxIssuances)
		if !res.Allowed {
			// Escalate: refusal outlasts the attempt window.
			if err := v.store.Set(ctx, blockKey(subject), []byte("1"), v.config.BlockDuration); err != nil {
				return err
			}
			canonlog.InfoAdd(ctx, "otp_issue_blocked", subject)
			return ErrTooManyAttempts
		}

		code, err := internal.NewOTPCode(v.config.CodeDigits)
		if err != nil {
			return err
		}

		if err := v.store.Set(ctx, codeKey(subject), []byte(code), v.config.CodeTTL); err != nil {
			return err
		}

		if _, err := v.sender.Send(ctx, subject, fmt.Sprintf(v.config.MessageTemplate, code)); err != nil {
			canonlog.ErrorAdd(ctx, err)
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}

		return nil
	})
}

// Verify checks candidate against the stored code for phone.
//
// Absent code (never issued or expired) and mismatch both return false
// with no error; a mismatch leaves the code in place so a typo does not
// burn it. A match consumes the code: it deletes the stored value first,
// so the code verifies at most once even under concurrent calls. After
// MaxVerifyAttempts consecutive mismatches the subject is locked out for
// the remainder of the code's lifetime and Verify fails with
// ErrTooManyAttempts even for the correct code.
func (v *Verifier) Verify(ctx context.Context, phone, candidate string) (bool, error) {
	subject, err := NormalizePhone(phone)
	if err != nil {
		return false, err
	}

	stored, err := v.store.Get(ctx, codeKey(subject))
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, nil
	}

	attempts, err := v.mismatchCount(ctx, subject)
	if err != nil {
		return false, err
	}
	if attempts >= v.config.MaxVerifyAttempts {
		canonlog.InfoAdd(ctx, "otp_verify_blocked", subject)
		return false, ErrTooManyAttempts
	}

	if string(stored) != candidate {
		if _, err := v.store.Increment(ctx, attemptsKey(subject), v.config.CodeTTL); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := v.store.Delete(ctx, codeKey(subject), attemptsKey(subject)); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Verifier) mismatchCount(ctx context.Context, subject string) (int, error) {
	data, err := v.store.Get(ctx, attemptsKey(subject))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// NormalizePhone reduces a phone number to its E.164-like form: an
// optional leading plus and 7 to 15 digits, with separators stripped.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	b.Grow(len(phone))

	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, dropped
		default:
			return "", ErrInvalidPhoneNumber
		}
	}

	normalized := b.String()
	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrInvalidPhoneNumber
	}
	return normalized, nil
}
