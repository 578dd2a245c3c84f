package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const googleBaseURL = "https://maps.googleapis.com/maps/api/place"

// ErrProviderUnavailable wraps transport and non-OK provider responses.
var ErrProviderUnavailable = errors.New("geocoding provider unavailable")

// GooglePlaces is the Google Places implementation of Provider.
// Autocomplete is restricted to US street addresses, matching the
// delivery footprint.
type GooglePlaces struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGooglePlaces builds a client with the given API key.
func NewGooglePlaces(apiKey string) (*GooglePlaces, error) {
	if apiKey == "" {
		return nil, errors.New("google places api key required")
	}
	return &GooglePlaces{
		apiKey:  apiKey,
		baseURL: googleBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type googleStatus struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

func (s googleStatus) ok() bool {
	return s.Status == "OK" || s.Status == "ZERO_RESULTS"
}

func (g *GooglePlaces) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	params.Set("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

func (g *GooglePlaces) Autocomplete(ctx context.Context, query, sessionToken string) ([]Prediction, error) {
	params := url.Values{}
	params.Set("input", query)
	params.Set("types", "address")
	params.Set("components", "country:us")
	params.Set("language", "en")
	if sessionToken != "" {
		params.Set("sessiontoken", sessionToken)
	}

	var body struct {
		googleStatus
		Predictions []struct {
			PlaceID     string `json:"place_id"`
			Description string `json:"description"`
		} `json:"predictions"`
	}
	if err := g.get(ctx, "autocomplete/json", params, &body); err != nil {
		return nil, err
	}
	if !body.ok() {
		return nil, fmt.Errorf("%w: %s %s", ErrProviderUnavailable, body.Status, body.ErrorMessage)
	}

	predictions := make([]Prediction, 0, len(body.Predictions))
	for _, p := range body.Predictions {
		predictions = append(predictions, Prediction{
			PlaceID:     p.PlaceID,
			Description: p.Description,
		})
	}
	return predictions, nil
}

func (g *GooglePlaces) PlaceDetails(ctx context.Context, placeID, sessionToken string) (PlaceDetails, error) {
	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("fields", "formatted_address,geometry,place_id")
	if sessionToken != "" {
		params.Set("sessiontoken", sessionToken)
	}

	var body struct {
		googleStatus
		Result struct {
			PlaceID          string `json:"place_id"`
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"result"`
	}
	if err := g.get(ctx, "details/json", params, &body); err != nil {
		return PlaceDetails{}, err
	}
	if !body.ok() {
		return PlaceDetails{}, fmt.Errorf("%w: %s %s", ErrProviderUnavailable, body.Status, body.ErrorMessage)
	}

	return PlaceDetails{
		PlaceID:          body.Result.PlaceID,
		FormattedAddress: body.Result.FormattedAddress,
		Latitude:         body.Result.Geometry.Location.Lat,
		Longitude:        body.Result.Geometry.Location.Lng,
	}, nil
}
