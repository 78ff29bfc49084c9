package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoRoute = errors.New("osrm: no route")

// OSRMClient asks an OSRM server for the driving duration between two points.
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

type osrmRouteResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	// OSRM wants lon,lat pairs
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	q := url.Values{"overview": {"false"}, "alternatives": {"false"}}
	return o.Endpoint + "/route/v1/" + o.Profile + "/" + coords + "?" + q.Encode()
}

// EstimateSeconds returns the duration of the fastest route in seconds.
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

	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: status %d code %q", ErrNoRoute, resp.StatusCode, out.Code)
	}
	return out.Routes[0].Duration, nil
}
