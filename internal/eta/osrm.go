package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoRoute is returned when OSRM answers without a usable route.
var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient estimates pickup drive time against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Profile  string // "driving" when empty
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRouteResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest route from one point to the other.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM expects lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm route: status %d", resp.StatusCode)
	}

	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w (code %q)", ErrNoRoute, out.Code)
	}
	return out.Routes[0].Duration, nil
}
