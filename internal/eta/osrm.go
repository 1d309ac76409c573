package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for driving time between a driver and a
// pickup point.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	// OSRM takes lon,lat pairs
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&steps=false",
		o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var route osrmRoute
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&route); err != nil {
		return 0, fmt.Errorf("osrm status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || route.Code != "Ok" {
		return 0, fmt.Errorf("osrm status %d: %s %s", resp.StatusCode, route.Code, route.Message)
	}
	if len(route.Routes) == 0 {
		return 0, fmt.Errorf("osrm returned no route")
	}
	return route.Routes[0].Duration, nil
}
