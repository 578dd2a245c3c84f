package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nominom/accountd/cache"
	"github.com/nominom/accountd/kvstore"
)

// ErrAddressNotFound is returned when no address matches the lookup for
// that user.
var ErrAddressNotFound = errors.New("address not found")

const (
	addressCacheTTL = time.Hour
	defaultPageSize = 100

	// Listing cache keys embed a per-user version; bumping it on every
	// write retires all of that user's cached pages at once, and the TTL
	// garbage-collects the stale generations.
	addressVersionWindow = 24 * time.Hour
)

// AddressType partitions saved addresses; home and work are singletons
// per user.
type AddressType string

const (
	AddressHome  AddressType = "home"
	AddressWork  AddressType = "work"
	AddressOther AddressType = "other"
)

// Address is one saved delivery address.
type Address struct {
	ID               string
	UserID           string
	Type             AddressType
	Label            string
	Line1            string
	Line2            string
	City             string
	State            string
	PostalCode       string
	PlaceID          string
	FormattedAddress string
	Latitude         float64
	Longitude        float64
	IsDefault        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AddressRepository is the persistence collaborator for addresses. List
// pages are ordered default-first, then newest-first.
type AddressRepository interface {
	Create(ctx context.Context, addr *Address) error
	GetByUserAndID(ctx context.Context, userID, id string) (*Address, error)
	GetByUserAndType(ctx context.Context, userID string, addrType AddressType) (*Address, error)
	Update(ctx context.Context, addr *Address) error
	Delete(ctx context.Context, userID, id string) error
	ListByUser(ctx context.Context, userID string, page, limit int) ([]*Address, int, error)
	ClearDefault(ctx context.Context, userID string) error
}

// AddressInput is the payload for creating or updating an address.
type AddressInput struct {
	Type       AddressType `validate:"required,oneof=home work other"`
	Label      string      `validate:"max=60"`
	Line1      string      `validate:"required,max=200"`
	Line2      string      `validate:"max=200"`
	City       string      `validate:"required,max=100"`
	State      string      `validate:"required,max=60"`
	PostalCode string      `validate:"required,max=20"`
	PlaceID    string      `validate:"max=300"`
	IsDefault  bool
}

// AddressPage is one cached page of a user's addresses.
type AddressPage struct {
	Addresses []*Address `json:"addresses"`
	Total     int        `json:"total"`
}

// AddressService manages saved addresses with read-through caching of
// listings.
type AddressService struct {
	repo     AddressRepository
	kv       *kvstore.Store
	cache    *cache.Cache
	validate *validator.Validate
}

// NewAddressService builds the service. kv carries both the listing
// cache and its per-user version counters.
func NewAddressService(repo AddressRepository, kv *kvstore.Store) *AddressService {
	return &AddressService{
		repo:     repo,
		kv:       kv,
		cache:    cache.New(kv),
		validate: validator.New(),
	}
}

func addressVersionKey(userID string) string {
	return "addrver:" + userID
}

func (s *AddressService) listVersion(ctx context.Context, userID string) int64 {
	data, err := s.kv.Get(ctx, addressVersionKey(userID))
	if err != nil || data == nil {
		return 0
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// invalidateListings retires every cached page for the user by advancing
// the version embedded in their cache keys.
func (s *AddressService) invalidateListings(ctx context.Context, userID string) {
	_, _ = s.kv.Increment(ctx, addressVersionKey(userID), addressVersionWindow)
}

// Add saves a new address. Home and work are upserted in place; marking
// an address default clears the flag from the rest.
func (s *AddressService) Add(ctx context.Context, userID string, input AddressInput) (*Address, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now()

	if input.Type == AddressHome || input.Type == AddressWork {
		existing, err := s.repo.GetByUserAndType(ctx, userID, input.Type)
		switch {
		case err == nil:
			applyInput(existing, input, now)
			if input.IsDefault {
				if err := s.repo.ClearDefault(ctx, userID); err != nil {
					return nil, err
				}
				existing.IsDefault = true
			}
			if err := s.repo.Update(ctx, existing); err != nil {
				return nil, err
			}
			s.invalidateListings(ctx, userID)
			return existing, nil
		case !errors.Is(err, ErrAddressNotFound):
			return nil, err
		}
	}

	if input.IsDefault {
		if err := s.repo.ClearDefault(ctx, userID); err != nil {
			return nil, err
		}
	}

	addr := &Address{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
	}
	applyInput(addr, input, now)
	addr.IsDefault = input.IsDefault

	if err := s.repo.Create(ctx, addr); err != nil {
		return nil, err
	}
	s.invalidateListings(ctx, userID)
	return addr, nil
}

// Update rewrites an existing address.
func (s *AddressService) Update(ctx context.Context, userID, addressID string, input AddressInput) (*Address, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	addr, err := s.repo.GetByUserAndID(ctx, userID, addressID)
	if err != nil {
		return nil, err
	}

	if input.IsDefault && !addr.IsDefault {
		if err := s.repo.ClearDefault(ctx, userID); err != nil {
			return nil, err
		}
	}

	applyInput(addr, input, time.Now())
	addr.IsDefault = input.IsDefault

	if err := s.repo.Update(ctx, addr); err != nil {
		return nil, err
	}
	s.invalidateListings(ctx, userID)
	return addr, nil
}

// Delete removes an address.
func (s *AddressService) Delete(ctx context.Context, userID, addressID string) error {
	if err := s.repo.Delete(ctx, userID, addressID); err != nil {
		return err
	}
	s.invalidateListings(ctx, userID)
	return nil
}

// SetDefault marks one address as the delivery default.
func (s *AddressService) SetDefault(ctx context.Context, userID, addressID string) error {
	addr, err := s.repo.GetByUserAndID(ctx, userID, addressID)
	if err != nil {
		return err
	}
	if addr.IsDefault {
		return nil
	}

	if err := s.repo.ClearDefault(ctx, userID); err != nil {
		return err
	}
	addr.IsDefault = true
	addr.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, addr); err != nil {
		return err
	}
	s.invalidateListings(ctx, userID)
	return nil
}

// List returns one page of the user's addresses, cached for an hour or
// until the next write, whichever comes first.
func (s *AddressService) List(ctx context.Context, userID string, page, limit int) (*AddressPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	version := s.listVersion(ctx, userID)
	key := cache.Key("addresses", fmt.Sprintf("%s:v%d:%d:%d", userID, version, page, limit))

	return cache.GetOrCompute(ctx, s.cache, key, addressCacheTTL, func(ctx context.Context) (*AddressPage, error) {
		addresses, total, err := s.repo.ListByUser(ctx, userID, page, limit)
		if err != nil {
			return nil, err
		}
		return &AddressPage{Addresses: addresses, Total: total}, nil
	})
}

func applyInput(addr *Address, input AddressInput, now time.Time) {
	addr.Type = input.Type
	addr.Label = input.Label
	addr.Line1 = input.Line1
	addr.Line2 = input.Line2
	addr.City = input.City
	addr.State = input.State
	addr.PostalCode = input.PostalCode
	addr.PlaceID = input.PlaceID
	addr.UpdatedAt = now
}
