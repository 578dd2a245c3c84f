package account

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryUserRepository is a map-backed UserRepository for tests and
// local development.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
}

// NewMemoryUserRepository builds an empty repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(u *User) *User {
	cp := *u
	return &cp
}

func (r *MemoryUserRepository) Create(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[emailKey(user.Email)]; ok {
		return ErrEmailTaken
	}
	r.byID[user.ID] = cloneUser(user)
	r.byEmail[emailKey(user.Email)] = user.ID
	return nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[emailKey(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(r.byID[id]), nil
}

func (r *MemoryUserRepository) Update(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if emailKey(current.Email) != emailKey(user.Email) {
		delete(r.byEmail, emailKey(current.Email))
		r.byEmail[emailKey(user.Email)] = user.ID
	}
	r.byID[user.ID] = cloneUser(user)
	return nil
}

func (r *MemoryUserRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(r.byEmail, emailKey(user.Email))
	delete(r.byID, id)
	return nil
}

func (r *MemoryUserRepository) List(_ context.Context, page, limit int) ([]*User, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.byID))
	for _, u := range r.byID {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})

	return paginate(users, page, limit), len(users), nil
}

// MemoryAddressRepository is a map-backed AddressRepository for tests
// and local development.
type MemoryAddressRepository struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Address
}

// NewMemoryAddressRepository builds an empty repository.
func NewMemoryAddressRepository() *MemoryAddressRepository {
	return &MemoryAddressRepository{
		byUser: make(map[string]map[string]*Address),
	}
}

func cloneAddress(a *Address) *Address {
	cp := *a
	return &cp
}

func (r *MemoryAddressRepository) Create(_ context.Context, addr *Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUser[addr.UserID] == nil {
		r.byUser[addr.UserID] = make(map[string]*Address)
	}
	r.byUser[addr.UserID][addr.ID] = cloneAddress(addr)
	return nil
}

func (r *MemoryAddressRepository) GetByUserAndID(_ context.Context, userID, id string) (*Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.byUser[userID][id]
	if !ok {
		return nil, ErrAddressNotFound
	}
	return cloneAddress(addr), nil
}

func (r *MemoryAddressRepository) GetByUserAndType(_ context.Context, userID string, addrType AddressType) (*Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, addr := range r.byUser[userID] {
		if addr.Type == addrType {
			return cloneAddress(addr), nil
		}
	}
	return nil, ErrAddressNotFound
}

func (r *MemoryAddressRepository) Update(_ context.Context, addr *Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[addr.UserID][addr.ID]; !ok {
		return ErrAddressNotFound
	}
	r.byUser[addr.UserID][addr.ID] = cloneAddress(addr)
	return nil
}

func (r *MemoryAddressRepository) Delete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[userID][id]; !ok {
		return ErrAddressNotFound
	}
	delete(r.byUser[userID], id)
	return nil
}

func (r *MemoryAddressRepository) ListByUser(_ context.Context, userID string, page, limit int) ([]*Address, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addresses := make([]*Address, 0, len(r.byUser[userID]))
	for _, addr := range r.byUser[userID] {
		addresses = append(addresses, cloneAddress(addr))
	}
	sort.Slice(addresses, func(i, j int) bool {
		if addresses[i].IsDefault != addresses[j].IsDefault {
			return addresses[i].IsDefault
		}
		if !addresses[i].CreatedAt.Equal(addresses[j].CreatedAt) {
			return addresses[i].CreatedAt.After(addresses[j].CreatedAt)
		}
		return addresses[i].ID < addresses[j].ID
	})

	return paginate(addresses, page, limit), len(addresses), nil
}

func (r *MemoryAddressRepository) ClearDefault(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, addr := range r.byUser[userID] {
		addr.IsDefault = false
	}
	return nil
}

func paginate[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
