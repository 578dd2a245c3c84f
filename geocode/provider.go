// Package geocode exposes address autocompletion and place resolution,
// fronted by the cache-aside engine so repeated lookups do not hit the
// upstream provider.
package geocode

import "context"

// Prediction is one autocomplete suggestion.
type Prediction struct {
	PlaceID     string `json:"place_id"`
	Description string `json:"description"`
}

// PlaceDetails resolves one prediction to a deliverable address.
type PlaceDetails struct {
	PlaceID          string  `json:"place_id"`
	FormattedAddress string  `json:"formatted_address"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

// Provider is the upstream geocoding collaborator. Errors it raises pass
// through the caching layer unchanged. The session token groups an
// autocomplete session for provider-side billing and may be empty.
type Provider interface {
	Autocomplete(ctx context.Context, query, sessionToken string) ([]Prediction, error)
	PlaceDetails(ctx context.Context, placeID, sessionToken string) (PlaceDetails, error)
}
