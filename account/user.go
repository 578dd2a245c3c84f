// Package account implements user profiles and delivery addresses over
// injected repositories, with address listings cached through the shared
// kvstore.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when creating a user with an email that
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrValidation wraps payload validation failures.
	ErrValidation = errors.New("invalid input")
)

// User is an account holder.
type User struct {
	ID            string
	Email         string
	Name          string
	Phone         string
	PhoneVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserRepository is the persistence collaborator for users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page, limit int) ([]*User, int, error)
}

// CreateUserInput is the payload for user creation.
type CreateUserInput struct {
	Email string `validate:"required,email"`
	Name  string `validate:"max=100"`
	Phone string `validate:"omitempty,e164"`
}

// UpdateUserInput carries the updatable profile fields. Nil means leave
// unchanged.
type UpdateUserInput struct {
	Name  *string `validate:"omitempty,max=100"`
	Phone *string `validate:"omitempty,e164"`
}

// UserService is the user CRUD surface handed to request handlers.
type UserService struct {
	repo     UserRepository
	validate *validator.Validate
}

// NewUserService builds the service over the given repository.
func NewUserService(repo UserRepository) *UserService {
	return &UserService{
		repo:     repo,
		validate: validator.New(),
	}
}

// Create registers a new user.
func (s *UserService) Create(ctx context.Context, input CreateUserInput) (*User, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if _, err := s.repo.GetByEmail(ctx, input.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:        uuid.NewString(),
		Email:     input.Email,
		Name:      input.Name,
		Phone:     input.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetByID fetches one user.
func (s *UserService) GetByID(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByEmail fetches one user by unique email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, email)
}

// Update applies the provided profile fields.
func (s *UserService) Update(ctx context.Context, id string, input UpdateUserInput) (*User, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		user.Name = *input.Name
	}
	if input.Phone != nil && *input.Phone != user.Phone {
		user.Phone = *input.Phone
		// A new number must be re-verified.
		user.PhoneVerified = false
	}
	user.UpdatedAt = time.Now()

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// MarkPhoneVerified records a successful OTP verification for the user's
// current number.
func (s *UserService) MarkPhoneVerified(ctx context.Context, id string) error {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if user.PhoneVerified {
		return nil
	}
	user.PhoneVerified = true
	user.UpdatedAt = time.Now()
	return s.repo.Update(ctx, user)
}

// Delete removes the user record.
func (s *UserService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// List returns one page of users plus the total count.
func (s *UserService) List(ctx context.Context, page, limit int) ([]*User, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	return s.repo.List(ctx, page, limit)
}
