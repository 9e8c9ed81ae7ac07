package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/tools"
)

func TestForecast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		assert.Equal(t, "59.91", r.URL.Query().Get("latitude"))
		assert.Equal(t, "10.75", r.URL.Query().Get("longitude"))
		assert.Equal(t, "true", r.URL.Query().Get("current_weather"))
		_, _ = w.Write([]byte(`{"current_weather":{"temperature":4.5,"windspeed":12,"winddirection":270,"weathercode":3,"time":"2026-10-15T12:00"}}`))
	}))
	defer srv.Close()

	desc := ForecastTool(ForecastConfig{BaseURL: srv.URL + "/", CacheTTL: time.Minute})
	assert.Equal(t, time.Minute, desc.CacheTTL)

	inst, err := desc.Factory(tools.Options{})
	require.NoError(t, err)

	res, err := inst.Invoke(context.Background(), map[string]any{"latitude": 59.91, "longitude": 10.75})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, 4.5, out["temperature_c"])
	assert.Equal(t, float64(3), out["weather_code"])
	assert.Equal(t, "2026-10-15T12:00", out["observed_at"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestForecastByLocationName(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/search":
			if code := int(status.Load()); code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
			if r.URL.Query().Get("name") != "Columbus" {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"results":[{"name":"Columbus","latitude":39.96,"longitude":-83,"admin1":"Ohio","country":"United States"}]}`))
		case "/v1/forecast":
			assert.Equal(t, "39.96", r.URL.Query().Get("latitude"))
			assert.Equal(t, "-83", r.URL.Query().Get("longitude"))
			_, _ = w.Write([]byte(`{"current_weather":{"temperature":18.2,"windspeed":9,"winddirection":180,"weathercode":1,"time":"2026-10-15T09:00"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	inst, err := ForecastTool(ForecastConfig{BaseURL: srv.URL}).Factory(tools.Options{})
	require.NoError(t, err)

	t.Run("should resolve the place before the forecast", func(t *testing.T) {
		res, err := inst.Invoke(context.Background(), map[string]any{"location_name": "Columbus"})
		require.NoError(t, err)
		require.False(t, res.IsError, res.Content)

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
		assert.Equal(t, "Columbus, Ohio, United States", out["location"])
		assert.Equal(t, 18.2, out["temperature_c"])
		assert.Equal(t, 39.96, out["latitude"])
	})

	t.Run("should fail for an unknown place", func(t *testing.T) {
		res, err := inst.Invoke(context.Background(), map[string]any{"location_name": "Atlantis"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, `no location found for "Atlantis"`, res.Content)
	})

	t.Run("should report geocoder errors", func(t *testing.T) {
		status.Store(http.StatusServiceUnavailable)
		defer status.Store(http.StatusOK)
		res, err := inst.Invoke(context.Background(), map[string]any{"location_name": "Columbus"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "geocoding service returned 503", res.Content)
	})
}

func TestForecastFailures(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store(`{}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	inst, err := ForecastTool(ForecastConfig{BaseURL: srv.URL}).Factory(tools.Options{})
	require.NoError(t, err)
	args := map[string]any{"latitude": 1.0, "longitude": 2.0}

	res, err := inst.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "no current weather for these coordinates", res.Content)

	status.Store(http.StatusBadGateway)
	res, err = inst.Invoke(context.Background(), args)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "502")

	status.Store(http.StatusOK)
	body.Store(`not json`)
	_, err = inst.Invoke(context.Background(), args)
	assert.Error(t, err)
}

func TestForecastDefaults(t *testing.T) {
	desc := ForecastTool(ForecastConfig{})
	assert.Zero(t, desc.CacheTTL)
	inst, err := desc.Factory(tools.Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultForecastURL, inst.(*forecast).baseURL)
	assert.Equal(t, DefaultGeocodeURL, inst.(*forecast).geocodeURL)

	inst, err = ForecastTool(ForecastConfig{BaseURL: "http://weather.local/", GeocodeURL: "http://geo.local"}).Factory(tools.Options{})
	require.NoError(t, err)
	assert.Equal(t, "http://weather.local", inst.(*forecast).baseURL)
	assert.Equal(t, "http://geo.local", inst.(*forecast).geocodeURL)
}
