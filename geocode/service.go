package geocode

import (
	"context"
	"strings"
	"time"

	"github.com/nominom/accountd/cache"
)

const defaultCacheTTL = time.Hour

// Service fronts a Provider with the cache-aside engine. Lookups are
// keyed by operation, normalized input, and autocomplete session token,
// so identical queries within the TTL never reach the provider twice.
type Service struct {
	provider Provider
	cache    *cache.Cache
	ttl      time.Duration
}

// NewService wraps provider with the given cache. A zero ttl caches for
// one hour.
func NewService(provider Provider, c *cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		provider: provider,
		cache:    c,
		ttl:      ttl,
	}
}

func cacheInput(input, sessionToken string) string {
	if sessionToken == "" {
		sessionToken = "default"
	}
	return input + ":" + sessionToken
}

// SearchAddress returns autocomplete predictions for query, cached per
// normalized query text.
func (s *Service) SearchAddress(ctx context.Context, query, sessionToken string) ([]Prediction, error) {
	normalized := strings.ToLower(strings.TrimSpace(query))
	key := cache.Key("search", cacheInput(normalized, sessionToken))

	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) ([]Prediction, error) {
		return s.provider.Autocomplete(ctx, normalized, sessionToken)
	})
}

// GetPlaceDetails resolves placeID, cached per place.
func (s *Service) GetPlaceDetails(ctx context.Context, placeID, sessionToken string) (PlaceDetails, error) {
	key := cache.Key("details", cacheInput(placeID, sessionToken))

	return cache.GetOrCompute(ctx, s.cache, key, s.ttl, func(ctx context.Context) (PlaceDetails, error) {
		return s.provider.PlaceDetails(ctx, placeID, sessionToken)
	})
}
