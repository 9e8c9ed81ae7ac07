package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harun/tether/pkg/tools"
)

// ForecastName is the registered name of the forecast tool.
const ForecastName = "forecast"

const (
	// DefaultForecastURL is the public Open-Meteo API.
	DefaultForecastURL = "https://api.open-meteo.com"
	// DefaultGeocodeURL is the public Open-Meteo geocoding API.
	DefaultGeocodeURL = "https://geocoding-api.open-meteo.com"

	forecastTimeout  = 10 * time.Second
	maxForecastBytes = int64(1 << 20)
)

type forecastArgs struct {
	LocationName string  `json:"location_name,omitempty" jsonschema:"minLength=1,description=Place name such as a city; used instead of coordinates"`
	Latitude     float64 `json:"latitude,omitempty" jsonschema:"minimum=-90,maximum=90,description=Latitude in decimal degrees"`
	Longitude    float64 `json:"longitude,omitempty" jsonschema:"minimum=-180,maximum=180,description=Longitude in decimal degrees"`
}

// ForecastConfig configures the forecast tool.
type ForecastConfig struct {
	BaseURL string
	// GeocodeURL serves /v1/search for location_name lookups. Empty means
	// the public geocoder when BaseURL is the public API, BaseURL otherwise.
	GeocodeURL string
	HTTPClient *http.Client
	// CacheTTL is how long a user's lookup for the same arguments is served
	// from the result cache.
	CacheTTL time.Duration
}

// ForecastTool looks up current weather conditions over HTTP, by place name
// or by coordinates.
func ForecastTool(cfg ForecastConfig) tools.Descriptor {
	base := trimURL(cfg.BaseURL)
	if base == "" {
		base = DefaultForecastURL
	}
	geo := trimURL(cfg.GeocodeURL)
	if geo == "" {
		geo = base
		if base == DefaultForecastURL {
			geo = DefaultGeocodeURL
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: forecastTimeout}
	}

	params := tools.SchemaFor[forecastArgs]()
	params["anyOf"] = []any{
		map[string]any{"required": []any{"location_name"}},
		map[string]any{"required": []any{"latitude", "longitude"}},
	}
	return tools.Descriptor{
		Name:        ForecastName,
		Description: "Get the current weather for a place name, or for a latitude and longitude.",
		Parameters:  params,
		CacheTTL:    cfg.CacheTTL,
		Timeout:     forecastTimeout,
		Factory: func(tools.Options) (tools.Instance, error) {
			return &forecast{baseURL: base, geocodeURL: geo, client: client}, nil
		},
	}
}

func trimURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

type forecast struct {
	baseURL    string
	geocodeURL string
	client     *http.Client
}

type currentWeather struct {
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"windspeed"`
	WindDirection float64 `json:"winddirection"`
	WeatherCode   int     `json:"weathercode"`
	Time          string  `json:"time"`
}

type place struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Admin1    string  `json:"admin1"`
	Country   string  `json:"country"`
}

func (p place) label() string {
	parts := []string{p.Name}
	for _, s := range []string{p.Admin1, p.Country} {
		if s != "" && s != p.Name {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// statusError is a non-200 answer from an upstream service.
type statusError struct {
	service string
	code    int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s service returned %d", e.service, e.code)
}

func (f *forecast) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	res, err := f.lookup(ctx, args)
	var se *statusError
	if errors.As(err, &se) {
		return tools.Failure(se.Error()), nil
	}
	return res, err
}

func (f *forecast) lookup(ctx context.Context, args map[string]any) (tools.Result, error) {
	out := map[string]any{}
	lat, lon := numberArg(args, "latitude"), numberArg(args, "longitude")

	if name := strings.TrimSpace(stringArg(args, "location_name")); name != "" {
		p, found, err := f.geocode(ctx, name)
		if err != nil {
			return tools.Result{}, err
		}
		if !found {
			return tools.Failure(fmt.Sprintf("no location found for %q", name)), nil
		}
		lat, lon = p.Latitude, p.Longitude
		out["location"] = p.label()
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("current_weather", "true")

	var payload struct {
		Current *currentWeather `json:"current_weather"`
	}
	if err := f.getJSON(ctx, "forecast", f.baseURL+"/v1/forecast?"+q.Encode(), &payload); err != nil {
		return tools.Result{}, err
	}
	if payload.Current == nil {
		return tools.Failure("no current weather for these coordinates"), nil
	}

	out["latitude"] = lat
	out["longitude"] = lon
	out["temperature_c"] = payload.Current.Temperature
	out["wind_kph"] = payload.Current.WindSpeed
	out["wind_direction"] = payload.Current.WindDirection
	out["weather_code"] = payload.Current.WeatherCode
	out["observed_at"] = payload.Current.Time

	raw, err := json.Marshal(out)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{
		Content:  string(raw),
		Metadata: map[string]any{"source": f.baseURL},
	}, nil
}

// geocode resolves name to the best matching place.
func (f *forecast) geocode(ctx context.Context, name string) (place, bool, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("count", "1")
	q.Set("format", "json")

	var payload struct {
		Results []place `json:"results"`
	}
	if err := f.getJSON(ctx, "geocoding", f.geocodeURL+"/v1/search?"+q.Encode(), &payload); err != nil {
		return place{}, false, err
	}
	if len(payload.Results) == 0 {
		return place{}, false, nil
	}
	return payload.Results[0], true, nil
}

func (f *forecast) getJSON(ctx context.Context, service, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", service, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxForecastBytes))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{service: service, code: resp.StatusCode}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", service, err)
	}
	return nil
}

func numberArg(args map[string]any, key string) float64 {
	switch n := args[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
